package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/codec"
	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/relay"
	"github.com/spf13/cobra"
)

var (
	callNoWait   bool
	pingCount    int
	pingInterval time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <method> [args]",
	Short: "Call a method on a robot and print the reply",
	Long: `Call a method on a robot and print the reply.

Arguments are sent as JSON to direct robots (a bare word is sent as a JSON
string) and as raw bytes to legacy robots.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		var payload any
		if len(args) == 2 {
			payload, err = encodeArgs(r.Generation(), args[1])
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if callNoWait {
			if err := r.InvokeNoWait(args[0], payload); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s sent\n", green("SENT:"), white(args[0]))
			return nil
		}

		v, err := r.Invoke(args[0], payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", green("OK:"), formatPayload(v))
		return nil
	},
}

func encodeArgs(g client.Generation, raw string) (any, error) {
	if g != client.GenerationDirect {
		return []byte(raw), nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	bs, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bs), nil
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to a robot and measure round trips",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		r, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s over %s in %v\n",
			green("CONNECTED:"), white(formatPayload(r.Handshake())), cyan(r.Generation()), time.Since(start).Round(time.Microsecond))

		var failed int
		for i := 0; i < pingCount; i++ {
			if i > 0 {
				time.Sleep(pingInterval)
			}
			sent := time.Now()
			_, err := r.Invoke("ping", nil)
			if err != nil {
				failed++
				fmt.Fprintf(out, "%s seq=%d %v\n", red("FAIL:"), i, err)
				continue
			}
			fmt.Fprintf(out, "%s seq=%d time=%v\n", magenta("PONG:"), i, time.Since(sent).Round(time.Microsecond))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d pings failed", failed, pingCount)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <device-id>",
	Short: "Ask the relay daemon where a device lives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if settings.Legacy == nil {
			return errors.New("resolve needs a daemon endpoint (--daemon)")
		}
		t, err := settings.Legacy.ClientTransport()
		if err != nil {
			return err
		}

		l := loop.Shared()
		ctx := cmd.Context()
		r, err := loop.RunTimeout(l, func(context.Context) *future.Future[*relay.Relay] {
			return relay.Dial(ctx, l, t, relay.Config{Codec: codec.NewBinary(), Logger: logger})
		}, settings.ConnectTimeout.Duration)
		if err != nil {
			return err
		}
		defer loop.Run(l, func(context.Context) *future.Future[struct{}] {
			return r.Close()
		})

		ep, err := loop.RunTimeout(l, func(context.Context) *future.Future[relay.Endpoint] {
			return r.Resolve(args[0])
		}, settings.CallTimeout.Duration)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n",
			yellow("[device]"), white(ep.DeviceID), yellow("[address]"), white(ep.Address))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "robolink version %s\n", Version)
		return nil
	},
}

func init() {
	callCmd.Flags().BoolVar(&callNoWait, "no-wait", false, "Send the call without waiting for the reply")
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 3, "Number of pings")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 200*time.Millisecond, "Pause between pings")
}
