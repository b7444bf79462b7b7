package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbirk/robolink/internal/sim"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/codec"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness builds the transports for one kind of link. clients runs after
// the servers are bound, so it can read back ephemeral ports.
type harness struct {
	servers func(t *testing.T) (daemon rpc.ServerTransport, direct rpc.ServerTransport)
	clients func(daemonSrv rpc.ServerTransport, directSrv rpc.ServerTransport) (legacy rpc.ClientTransport, direct rpc.ClientTransport)
}

type world struct {
	daemon *sim.Daemon
	direct *sim.DirectDevice
	legacy rpc.ClientTransport
	devT   rpc.ClientTransport
}

func startWorld(t *testing.T, h harness) *world {
	daemonSrv, directSrv := h.servers(t)

	d, err := sim.NewDaemon(daemonSrv, nil,
		sim.Device{ID: "rover", Address: "bus-1"},
		sim.Device{ID: "crane", Stall: 300 * time.Millisecond})
	require.NoError(t, err)
	dd := sim.NewDirectDevice(directSrv, nil, sim.Device{ID: "arm", Stall: 300 * time.Millisecond})

	s := &sim.Sim{
		Daemons: []*sim.Daemon{d},
		Directs: []*sim.DirectDevice{dd},
	}
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("sim did not stop")
		}
	})

	legacy, direct := h.clients(daemonSrv, directSrv)
	return &world{daemon: d, direct: dd, legacy: legacy, devT: direct}
}

func (w *world) config(t *testing.T, deviceID string, legacy bool, direct bool) client.Config {
	l := loop.New(loop.Config{Name: t.Name()})
	t.Cleanup(l.Close)

	conf := client.DefaultConfig()
	conf.Loop = l
	conf.SettleDelay = 5 * time.Millisecond
	conf.ConnectTimeout = 3 * time.Second
	conf.CallTimeout = 3 * time.Second
	if legacy {
		conf.Legacy = &client.LegacyConfig{Transport: w.legacy, DeviceID: deviceID}
	}
	if direct {
		conf.Direct = &client.DirectConfig{Transport: w.devT}
	}
	return conf
}

func dial(t *testing.T, conf client.Config) *client.Robot {
	r, err := client.Connect(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
	})
	return r
}

func asString(t *testing.T, v any) string {
	if bs, ok := v.([]byte); ok {
		return string(bs)
	}
	var s string
	require.NoError(t, codec.DecodeJSON(v, &s))
	return s
}

func waitEvent(t *testing.T, ch <-chan any) any {
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("event never arrived")
		return nil
	}
}

func runRobotSuite(t *testing.T, h harness) {
	w := startWorld(t, h)

	t.Run("legacy", func(t *testing.T) {
		r := dial(t, w.config(t, "rover", true, false))
		assert.Equal(t, client.GenerationLegacy, r.Generation())
		assert.Equal(t, "rover", asString(t, r.Handshake()))

		v, err := r.Invoke(sim.PingMethod, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("pong"), v)

		payload := []byte{0x00, 0x01, 0xfe, 0xff}
		v, err = r.Invoke(sim.EchoMethod, payload)
		require.NoError(t, err)
		assert.Equal(t, payload, v)

		_, err = r.Invoke("self_destruct", nil)
		var remote *rpc.RemoteError
		require.True(t, errors.As(err, &remote))
		assert.Equal(t, "self_destruct", remote.Method)
		assert.Equal(t, rpc.KindRemote, rpc.KindOf(err))
	})

	t.Run("direct", func(t *testing.T) {
		r := dial(t, w.config(t, "", false, true))
		assert.Equal(t, client.GenerationDirect, r.Generation())
		assert.Equal(t, "arm", asString(t, r.Handshake()))

		v, err := r.Invoke(sim.EchoMethod, map[string]any{"joint": 2, "angle": 1.5})
		require.NoError(t, err)
		var echoed struct {
			Joint int     `json:"joint"`
			Angle float64 `json:"angle"`
		}
		require.NoError(t, codec.DecodeJSON(v, &echoed))
		assert.Equal(t, 2, echoed.Joint)
		assert.Equal(t, 1.5, echoed.Angle)
	})

	t.Run("negotiate picks the generation that knows the device", func(t *testing.T) {
		r := dial(t, w.config(t, "arm", true, true))
		assert.Equal(t, client.GenerationDirect, r.Generation())

		r = dial(t, w.config(t, "crane", true, false))
		assert.Equal(t, client.GenerationLegacy, r.Generation())
		assert.Equal(t, "crane", asString(t, r.Handshake()))
	})

	t.Run("sessions share a daemon", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, id := range []string{"rover", "crane", "rover"} {
			r := dial(t, w.config(t, id, true, false))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					v, err := r.InvokeWait(sim.EchoMethod, []byte(id))
					if !assert.NoError(t, err) {
						return
					}
					assert.Equal(t, []byte(id), v)
				}
			}()
		}
		wg.Wait()
	})

	t.Run("events", func(t *testing.T) {
		legacy := dial(t, w.config(t, "rover", true, false))
		direct := dial(t, w.config(t, "", false, true))

		legacyEvents := make(chan any, 8)
		directEvents := make(chan any, 8)
		legacy.On(sim.TickEvent, func(payload any) {
			legacyEvents <- payload
		})
		legacy.On(sim.BuzzedEvent, func(payload any) {
			legacyEvents <- payload
		})
		direct.On(sim.TickEvent, func(payload any) {
			directEvents <- payload
		})

		// sessions from earlier subtests may still be unwinding
		require.Eventually(t, func() bool {
			return w.daemon.Clients() == 1 && w.direct.Peers() == 1
		}, 3*time.Second, 5*time.Millisecond)

		require.NoError(t, legacy.InvokeNoWait(sim.BuzzMethod, nil))
		assert.Equal(t, "rover", asString(t, waitEvent(t, legacyEvents)))

		require.NoError(t, w.daemon.Emit("bus-1", sim.TickEvent, "7"))
		assert.Equal(t, "7", asString(t, waitEvent(t, legacyEvents)))

		require.NoError(t, w.direct.Tick(9))
		var n int
		require.NoError(t, codec.DecodeJSON(waitEvent(t, directEvents), &n))
		assert.Equal(t, 9, n)
	})

	t.Run("timeout leaves the session usable", func(t *testing.T) {
		r := dial(t, w.config(t, "", false, true))

		_, err := r.InvokeTimeout(sim.StallMethod, nil, 20*time.Millisecond)
		assert.ErrorIs(t, err, rpc.ErrCallTimeout)
		assert.True(t, rpc.IsTimeout(err))

		v, err := r.Invoke(sim.PingMethod, nil)
		require.NoError(t, err)
		assert.Equal(t, "pong", asString(t, v))
	})

	t.Run("close drains pending calls", func(t *testing.T) {
		r := dial(t, w.config(t, "crane", true, false))

		result := make(chan error, 1)
		go func() {
			_, err := r.InvokeWait(sim.StallMethod, nil)
			result <- err
		}()
		require.Eventually(t, func() bool {
			return r.Pending() == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, r.Close())
		select {
		case err := <-result:
			if err != nil {
				assert.True(t, rpc.IsClosed(err), err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("pending call never settled")
		}

		_, err := r.Invoke(sim.PingMethod, nil)
		assert.True(t, rpc.IsClosed(err))
	})
}
