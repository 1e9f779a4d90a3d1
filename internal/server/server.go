// Package server exposes a monitor and its capture over a small HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/framewatch/internal/auth"
	"github.com/danmuck/framewatch/internal/capture"
	"github.com/danmuck/framewatch/internal/monitor"
	"github.com/danmuck/framewatch/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// FilterSpec is the wire form of a monitor filter.
type FilterSpec struct {
	Types   []string `json:"types"`
	Streams []uint32 `json:"streams"`
}

type Diagnostics struct {
	name     string
	addr     string
	appeared time.Time
	router   *gin.Engine
	mon      *monitor.Monitor
	rec      *capture.Recorder

	guard   auth.Validator
	origins []string

	mu     sync.Mutex
	filter *FilterSpec
}

type Option func(*Diagnostics)

// WithAllowedOrigins enables CORS for browser dashboards served from origins.
// No origins leaves CORS off.
func WithAllowedOrigins(origins []string) Option {
	return func(d *Diagnostics) { d.origins = normalizeOrigins(origins) }
}

// WithAuth requires a bearer token accepted by v on every route that changes
// monitor or capture state.
func WithAuth(v auth.Validator) Option {
	return func(d *Diagnostics) { d.guard = v }
}

// New builds the router. rec may be nil, in which case /frames reports 404.
func New(name, addr string, mon *monitor.Monitor, rec *capture.Recorder, opts ...Option) *Diagnostics {
	observability.RegisterMetrics()
	d := &Diagnostics{
		name:     name,
		addr:     addr,
		appeared: time.Now(),
		mon:      mon,
		rec:      rec,
	}
	for _, opt := range opts {
		opt(d)
	}

	router := gin.New()
	router.Use(gin.Recovery(), observability.RequestLogger(log.Logger), observability.RequestMetricsMiddleware())
	if len(d.origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: d.origins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	d.router = router
	d.registerRoutes()
	return d
}

// SetFilterSpec records the description reported by GET /filter for a filter
// installed outside the API.
func (d *Diagnostics) SetFilterSpec(spec *FilterSpec) {
	d.mu.Lock()
	d.filter = spec
	d.mu.Unlock()
}

func (d *Diagnostics) Handler() http.Handler {
	return d.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (d *Diagnostics) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.addr,
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", d.addr).Msg("diagnostics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
