package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/fleet"
)

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// NewScanCommand .
func NewScanCommand() *cobra.Command {
	var (
		mock bool
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List serial ports that look like attenuators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if all {
				cfg.Serial.PortFilter = ""
			}

			ctl := newController(cfg, mock)
			ctl.ScanPorts()
			printPorts(cmd.OutOrStdout(), ctl.ScannedPorts(), ctl.SerialMapping())
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&mock, "mock", false, "list simulated attenuators")
	f.BoolVar(&all, "all", false, "list every serial port, ignoring the port filter")

	return cmd
}

func printPorts(w io.Writer, ports []attenuator.PortInfo, mapping map[string]string) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}

	for _, p := range ports {
		fmt.Fprintf(w, "%s\n", color.New(color.Bold, color.FgGreen).Sprint(p.Name))
		fmt.Fprintf(w, "  serial:      %s\n", p.SerialNumber)
		if p.Description != "" {
			fmt.Fprintf(w, "  description: %s\n", p.Description)
		}
		fmt.Fprintf(w, "  baud:        %d\n", attenuator.BaudRateFor(p.Name))
		if p.IsUSB && p.VID != "" {
			fmt.Fprintf(w, "  usb:         %s:%s\n", p.VID, p.PID)
		}

		source, mapped := mapping[p.SerialNumber]
		switch {
		case mapped:
			fmt.Fprintf(w, "  calibration: %s (serial mapping)\n", source)
		case fleet.PortSource(p.Name) != "":
			fmt.Fprintf(w, "  calibration: %s (port)\n", fleet.PortSource(p.Name))
		default:
			fmt.Fprintf(w, "  calibration: %s\n", color.YellowString("default"))
		}
	}
}

// NewMapCommand .
func NewMapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "map [serial] [calibration file]",
		Short: "Show or set the serial number to calibration file mapping",
		Long: `Show or set the serial number to calibration file mapping.

Without arguments the current mapping is printed. With a serial number and a
file name the mapping file is rewritten with the new entry.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or a serial number and a file name, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mapping, err := fleet.NewSerialMapping(cfg.Calibration.MappingFile)
			if err != nil {
				return err
			}

			if len(args) == 2 {
				if err := mapping.Put(args[0], args[1]); err != nil {
					return err
				}
				cmd.Printf("mapped %s to %s\n", bold("%s", args[0]), args[1])
				return nil
			}

			printMapping(cmd.OutOrStdout(), mapping)
			return nil
		},
	}
}

func printMapping(w io.Writer, mapping *fleet.SerialMapping) {
	serials := mapping.Serials()
	if len(serials) == 0 {
		fmt.Fprintln(w, "no serial numbers mapped")
		return
	}
	for _, s := range serials {
		source, _ := mapping.Get(s)
		fmt.Fprintf(w, "%s -> %s\n", bold("%s", s), source)
	}
}
