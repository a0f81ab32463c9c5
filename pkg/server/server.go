// Package server exposes the attenuator fleet over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/itohio/rfatt/pkg/fleet"
	"github.com/itohio/rfatt/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server serves the fleet API.
type Server struct {
	ctl     *fleet.Controller
	metrics *metrics.Collector
	router  *gin.Engine
}

// New builds the routes. metrics may be nil, in which case /metrics is not
// served.
func New(ctl *fleet.Controller, m *metrics.Collector) *Server {
	s := &Server{ctl: ctl, metrics: m}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(ginLogger(logrus.StandardLogger()))

	api := router.Group("/api")
	api.GET("/scan_ports", s.scanPorts)
	api.POST("/connect", s.connect)
	api.POST("/disconnect", s.disconnect)
	api.GET("/devices", s.devices)
	api.GET("/devices/ids", s.deviceIDs)
	api.GET("/devices/serials", s.deviceSerials)
	api.GET("/devices/:device_id/compensation", s.compensation)
	api.POST("/set_attenuation", s.setAttenuation)
	api.GET("/get_attenuation", s.getAttenuation)
	api.POST("/attenuators/set", s.setSingle)
	api.GET("/attenuators/:device_id", s.getSingle)
	api.POST("/set_frequency", s.setFrequency)
	api.GET("/get_frequency", s.getFrequency)
	api.GET("/get_min_attenuation", s.getMinAttenuation)
	api.GET("/get_attenuation_range", s.getAttenuationRange)
	api.GET("/status", s.status)
	api.POST("/serial_mapping", s.serialMapping)
	api.POST("/reload_calibration", s.reloadCalibration)
	api.GET("/insertion_loss", s.insertionLoss)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, response{Message: "endpoint not found"})
	})

	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
