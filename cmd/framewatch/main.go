package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/framewatch/internal/logging"
	"github.com/danmuck/framewatch/internal/watch"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	var opts overrides
	path := flag.String("config", "", "path to a .toml or .yaml config (defaults when empty)")
	flag.StringVar(&opts.mode, "mode", "", "override mode: loopback|dial|listen")
	flag.StringVar(&opts.addr, "addr", "", "override session address")
	flag.StringVar(&opts.types, "types", "", "override monitor frame types, comma separated")
	flag.StringVar(&opts.diag, "diag", "", "override diagnostics listen address")
	flag.StringVar(&opts.logLevel, "log-level", "", "override log level")
	flag.Parse()

	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	cfg, err := loadServiceConfig(*path, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framewatch: %v\n", err)
		os.Exit(1)
	}
	if !applyLogLevel(cfg) {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level ignored")
	}

	svc, err := watch.NewServiceWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framewatch: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "framewatch: %v\n", err)
		os.Exit(1)
	}
}
