package main

import (
	"fmt"
	"time"

	"github.com/kbirk/robolink/internal/sim"
	"github.com/kbirk/robolink/pkg/config"
	"github.com/spf13/cobra"
)

var (
	simDaemonListen string
	simDirectListen string
	simDevices      []string
	simDirectDevice string
	simTick         time.Duration
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a simulated relay daemon and a simulated direct robot",
	Long: `Run a simulated relay daemon fronting legacy robots, and a simulated robot
that speaks the direct generation. Either can be disabled by passing an
empty endpoint. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &sim.Sim{TickInterval: simTick, Logger: logger}
		out := cmd.OutOrStdout()

		if simDaemonListen != "" {
			e, err := config.ParseEndpoint(simDaemonListen)
			if err != nil {
				return fmt.Errorf("--daemon-listen: %w", err)
			}
			t, err := e.ServerTransport()
			if err != nil {
				return err
			}
			devices := make([]sim.Device, 0, len(simDevices))
			for _, id := range simDevices {
				devices = append(devices, sim.Device{ID: id})
			}
			d, err := sim.NewDaemon(t, logger, devices...)
			if err != nil {
				return err
			}
			s.Daemons = append(s.Daemons, d)
			fmt.Fprintf(out, "%s %s serving %v\n", magenta("[daemon]"), white(simDaemonListen), d.Devices())
		}

		if simDirectListen != "" {
			e, err := config.ParseEndpoint(simDirectListen)
			if err != nil {
				return fmt.Errorf("--direct-listen: %w", err)
			}
			t, err := e.ServerTransport()
			if err != nil {
				return err
			}
			s.Directs = append(s.Directs, sim.NewDirectDevice(t, logger, sim.Device{ID: simDirectDevice}))
			fmt.Fprintf(out, "%s %s as %s\n", magenta("[direct]"), white(simDirectListen), white(simDirectDevice))
		}

		if len(s.Daemons) == 0 && len(s.Directs) == 0 {
			return fmt.Errorf("nothing to simulate")
		}

		if err := s.Listen(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s press Ctrl-C to stop\n", green("RUNNING:"))
		return s.Run(cmd.Context())
	},
}

func init() {
	flags := simCmd.Flags()
	flags.StringVar(&simDaemonListen, "daemon-listen", "tcp://127.0.0.1:7700", "Endpoint the simulated daemon listens on")
	flags.StringVar(&simDirectListen, "direct-listen", "websocket://127.0.0.1:8080/rpc", "Endpoint the simulated direct robot listens on")
	flags.StringSliceVar(&simDevices, "devices", []string{"rover-1"}, "Device ids behind the simulated daemon")
	flags.StringVar(&simDirectDevice, "direct-device", "arm-1", "Device id of the simulated direct robot")
	flags.DurationVar(&simTick, "tick", 0, "Emit a tick event at this interval, 0 to disable")
}
