package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itohio/rfatt/pkg/fleet"
	"github.com/itohio/rfatt/pkg/metrics"
	"github.com/itohio/rfatt/pkg/server"
	"github.com/itohio/rfatt/pkg/telemetry"
)

// NewServeCommand .
func NewServeCommand() *cobra.Command {
	var (
		listen      string
		mock        bool
		autoConnect bool
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("watch") {
				cfg.Calibration.Watch = watch
			}

			logrus.WithFields(logrus.Fields{
				"version": Version,
				"commit":  GitCommit,
				"listen":  cfg.Server.Listen,
			}).Info("rfatt starting")

			ctl := newController(cfg, mock)

			m := metrics.New()
			m.SetFrequency(ctl.Frequency())
			ctl.OnEvent(m.Observe)

			pub, err := telemetry.NewMQTTPublisher(cfg.MQTT)
			if err != nil {
				logrus.Errorf("mqtt publishing disabled: %v", err)
			}
			if pub != nil {
				ctl.OnEvent(pub.Observe)
				defer pub.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ports := ctl.ScanPorts()
			logrus.Infof("found %d serial devices at startup", len(ports))
			if autoConnect {
				connectScanned(ctl, ports)
			}

			if cfg.Calibration.Watch {
				go func() {
					if err := ctl.WatchCalibrations(ctx); err != nil {
						logrus.Errorf("calibration watcher stopped: %v", err)
					}
				}()
			}

			gin.SetMode(gin.ReleaseMode)
			err = server.New(ctl, m).Run(ctx, cfg.Server.Listen)

			logrus.Info("disconnecting attenuators")
			if derr := ctl.DisconnectAll(); derr != nil {
				logrus.Errorf("failed to disconnect attenuators: %v", derr)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&listen, "listen", "", "listen address, overrides the config file")
	f.BoolVar(&mock, "mock", false, "use simulated attenuators instead of serial ports")
	f.BoolVar(&autoConnect, "connect", false, "connect every scanned port at startup")
	f.BoolVar(&watch, "watch", false, "reload calibration files on filesystem events")

	return cmd
}

func connectScanned(ctl *fleet.Controller, ports []string) {
	for i, port := range ports {
		id := fmt.Sprintf("attenuator_%d", i+1)
		if !ctl.Connect(port, id) {
			logrus.WithField("port", port).Warn("failed to connect at startup")
		}
	}
}
