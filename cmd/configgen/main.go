package main

import (
	"flag"
	"log"

	"github.com/danmuck/framewatch/internal/config"
)

func main() {
	format := flag.String("format", "toml", "config format: toml|yaml")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/framewatch/config.<format>)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*format); err != nil {
		log.Fatal(err)
	}
	defaultPath := "cmd/framewatch/config." + *format

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (mode=%s monitor=%q)", path, cfg.Mode, cfg.Monitor.Name)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *format, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *format, target)
}
