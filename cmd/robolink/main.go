package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/config"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string
	daemonAddr string
	directAddr string
	deviceID   string
	timeout    time.Duration
	noColor    bool

	// Resolved by PersistentPreRunE
	settings config.File
	logger   log.Logger
)

var (
	red     = color.New(color.FgRed, color.Bold).SprintFunc()
	green   = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow  = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan    = color.New(color.FgCyan, color.Bold).SprintFunc()
	magenta = color.New(color.FgMagenta, color.Bold).SprintFunc()
	white   = color.New(color.FgWhite, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "robolink",
	Short: "Talk to robots through a relay daemon or directly",
	Long: `robolink connects to a robot, negotiating whichever protocol generation
it speaks, and runs calls against it.

Legacy robots are reached through a relay daemon (--daemon) that routes
traffic by device id (--device). Newer robots are reached directly
(--direct). When both are given the first to answer wins.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || os.Getenv(log.EnvLogNoColor) != "" {
			color.NoColor = true
		}

		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := f.ApplyEnv(os.Getenv); err != nil {
			return err
		}
		if err := applyFlags(cmd, &f); err != nil {
			return err
		}
		lvl, err := f.Level()
		if err != nil {
			return err
		}
		settings = f
		logger = log.NewConsole("robolink", lvl, color.NoColor)
		return nil
	},
}

func applyFlags(cmd *cobra.Command, f *config.File) error {
	flags := cmd.Flags()
	if logLevel != "" {
		f.LogLevel = logLevel
	}
	if flags.Changed("timeout") {
		f.CallTimeout = config.Duration{Duration: timeout}
	}
	if daemonAddr != "" {
		e, err := config.ParseEndpoint(daemonAddr)
		if err != nil {
			return fmt.Errorf("--daemon: %w", err)
		}
		if f.Legacy != nil {
			e.DeviceID = f.Legacy.DeviceID
		}
		f.Legacy = &e
	}
	if directAddr != "" {
		e, err := config.ParseEndpoint(directAddr)
		if err != nil {
			return fmt.Errorf("--direct: %w", err)
		}
		f.Direct = &e
	}
	if deviceID != "" && f.Legacy != nil {
		f.Legacy.DeviceID = deviceID
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	flags.StringVar(&daemonAddr, "daemon", "", "Relay daemon endpoint, e.g. tcp://127.0.0.1:7700")
	flags.StringVar(&directAddr, "direct", "", "Direct device endpoint, e.g. websocket://10.0.0.7:8080/rpc")
	flags.StringVarP(&deviceID, "device", "d", "", "Device id to resolve through the daemon")
	flags.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Per-call timeout")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(callCmd, pingCmd, resolveCmd, simCmd, versionCmd)
}

// connect opens a robot session from the resolved settings.
func connect(ctx context.Context) (*client.Robot, error) {
	conf, err := settings.ClientConfig(logger)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, conf)
}

// formatPayload renders a reply payload of either generation for a terminal.
func formatPayload(v any) string {
	switch val := v.(type) {
	case nil:
		return "<empty>"
	case json.RawMessage:
		return string(val)
	case []byte:
		if len(val) == 0 {
			return "<empty>"
		}
		if utf8.Valid(val) && !strings.ContainsFunc(string(val), isControl) {
			return fmt.Sprintf("%q", val)
		}
		return fmt.Sprintf("% x", val)
	default:
		return fmt.Sprint(val)
	}
}

func isControl(r rune) bool {
	return r < 0x20 && r != '\n' && r != '\t'
}

func printError(err error) {
	os.Stderr.WriteString(red("ERROR: ") + err.Error() + "\n")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err)
		stop()
		os.Exit(1)
	}
}
