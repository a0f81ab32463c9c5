package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/config"
	"github.com/itohio/rfatt/pkg/fleet"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
		if err := setupLogger(cfg.Log.Level); err != nil {
			logrus.Warnf("ignoring log level from config: %v", err)
		}
	}
	return cfg, nil
}

// newController wires a controller to real serial ports, or to simulated
// attenuators when mock is set.
func newController(cfg *config.Config, mock bool) *fleet.Controller {
	opts := fleet.Options{
		CalibrationDir: cfg.Calibration.Dir,
		DefaultSource:  cfg.Calibration.DefaultSource,
		MappingFile:    cfg.Calibration.MappingFile,
		Frequency:      cfg.Calibration.Frequency,
		PortFilter:     cfg.Serial.PortFilter,
	}
	devOpts := attenuator.Options{
		Settle:    cfg.Serial.Settle,
		DrainPoll: cfg.Serial.DrainPoll,
	}

	if mock {
		mocks := make([]*attenuator.Mock, 0, len(cfg.Mock.Ports))
		for i := range cfg.Mock.Ports {
			mocks = append(mocks, attenuator.NewMock(&cfg.Mock.Ports[i]))
		}
		if len(mocks) == 0 {
			mocks = append(mocks, attenuator.NewMock(nil))
		}
		opts.Scanner = fleet.StaticScanner(attenuator.MockPorts(mocks...))
		devOpts.Open = attenuator.MockOpener(mocks...)
		logrus.Infof("using %d simulated attenuators", len(mocks))
	}

	opts.NewDevice = func(port string) attenuator.Device {
		return attenuator.New(port, devOpts)
	}
	return fleet.New(opts)
}
