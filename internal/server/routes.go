package server

import (
	"net/http"
	"strconv"

	"github.com/danmuck/framewatch/internal/auth"
	"github.com/danmuck/framewatch/internal/capture"
	"github.com/danmuck/framewatch/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (d *Diagnostics) registerRoutes() {
	r := d.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  d.name,
			"appeared": d.appeared,
			"attached": d.mon.Attached(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/monitor", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.mon.Stats())
	})
	r.GET("/filter", d.getFilter)
	r.GET("/frames", d.frames)

	ops := r.Group("/", d.requireToken)
	ops.POST("/monitor/attach", d.attach)
	ops.POST("/monitor/detach", func(c *gin.Context) {
		d.mon.Detach()
		c.JSON(http.StatusOK, d.mon.Stats())
	})

	ops.PUT("/filter", d.putFilter)
	ops.DELETE("/filter", func(c *gin.Context) {
		d.mon.ClearFilter()
		d.SetFilterSpec(nil)
		c.Status(http.StatusNoContent)
	})

	ops.DELETE("/frames", func(c *gin.Context) {
		if d.rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "capture disabled"})
			return
		}
		d.rec.Reset()
		c.Status(http.StatusNoContent)
	})
}

func (d *Diagnostics) requireToken(c *gin.Context) {
	if d.guard == nil {
		return
	}
	token, _ := auth.BearerToken(c.GetHeader("Authorization"))
	if err := d.guard.Validate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	}
}

func (d *Diagnostics) attach(c *gin.Context) {
	if err := d.mon.Attach(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d.mon.Stats())
}

func (d *Diagnostics) getFilter(c *gin.Context) {
	_, ok := d.mon.Filter()
	d.mu.Lock()
	spec := d.filter
	d.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"active": ok, "spec": spec})
}

func (d *Diagnostics) putFilter(c *gin.Context) {
	var spec FilterSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := config.MonitorConfig{Types: spec.Types, Streams: spec.Streams}.Filter()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.mon.SetFilter(f)
	if f == nil {
		d.SetFilterSpec(nil)
	} else {
		d.SetFilterSpec(&spec)
	}
	c.JSON(http.StatusOK, gin.H{"active": f != nil, "spec": spec})
}

func (d *Diagnostics) frames(c *gin.Context) {
	if d.rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture disabled"})
		return
	}
	since := uint64(0)
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an unsigned integer"})
			return
		}
		since = v
	}
	records := d.rec.Since(since)
	if records == nil {
		records = []capture.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"frames":  records,
		"dropped": d.rec.Dropped(),
	})
}
