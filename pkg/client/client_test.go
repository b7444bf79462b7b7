package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kbirk/robolink/internal/sim"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/codec"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/negotiate"
	"github.com/kbirk/robolink/pkg/relay"
	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/rpc/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	daemon     *sim.Daemon
	direct     *sim.DirectDevice
	daemonName string
	directName string
	stop       func()
}

// newFixture runs a daemon fronting legacy and, when direct is set, a
// device speaking the direct generation.
func newFixture(t *testing.T, legacy []sim.Device, direct *sim.Device) *fixture {
	f := &fixture{
		daemonName: t.Name() + "-daemon",
		directName: t.Name() + "-direct",
	}
	s := &sim.Sim{}
	if legacy != nil {
		d, err := sim.NewDaemon(memory.NewServerTransport(f.daemonName), nil, legacy...)
		require.NoError(t, err)
		f.daemon = d
		s.Daemons = append(s.Daemons, d)
	}
	if direct != nil {
		f.direct = sim.NewDirectDevice(memory.NewServerTransport(f.directName), nil, *direct)
		s.Directs = append(s.Directs, f.direct)
	}
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	var once sync.Once
	f.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) config(t *testing.T, deviceID string) client.Config {
	l := loop.New(loop.Config{Name: t.Name()})
	t.Cleanup(l.Close)

	conf := client.DefaultConfig()
	conf.Loop = l
	conf.SettleDelay = time.Millisecond
	conf.ConnectTimeout = 2 * time.Second
	conf.Legacy = &client.LegacyConfig{
		Transport: memory.NewClientTransport(f.daemonName),
		DeviceID:  deviceID,
	}
	conf.Direct = &client.DirectConfig{
		Transport: memory.NewClientTransport(f.directName),
	}
	return conf
}

func connect(t *testing.T, conf client.Config) *client.Robot {
	r, err := client.Connect(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
	})
	return r
}

func decodeString(t *testing.T, v any) string {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		var s string
		require.NoError(t, codec.DecodeJSON(v, &s))
		return s
	}
}

func TestConnectLegacy(t *testing.T) {
	f := newFixture(t, []sim.Device{{ID: "rover", Address: "usb-1"}}, nil)
	r := connect(t, f.config(t, "rover"))

	assert.Equal(t, client.GenerationLegacy, r.Generation())
	assert.Equal(t, "rover", decodeString(t, r.Handshake()))

	v, err := r.Invoke(sim.PingMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), v)

	v, err = r.InvokeWait(sim.EchoMethod, "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}

func TestConnectDirect(t *testing.T) {
	f := newFixture(t, nil, &sim.Device{ID: "arm"})
	r := connect(t, f.config(t, "arm"))

	assert.Equal(t, client.GenerationDirect, r.Generation())
	assert.Equal(t, "arm", decodeString(t, r.Handshake()))

	v, err := r.Invoke(sim.PingMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", decodeString(t, v))

	v, err = r.Invoke(sim.EchoMethod, map[string]int{"speed": 3})
	require.NoError(t, err)
	var echoed map[string]int
	require.NoError(t, codec.DecodeJSON(v, &echoed))
	assert.Equal(t, 3, echoed["speed"])
}

func TestConnectPrefersGenerationThatAnswers(t *testing.T) {
	// the daemon does not know the device, so only the direct handshake works
	f := newFixture(t, []sim.Device{{ID: "other"}}, &sim.Device{ID: "arm"})
	r := connect(t, f.config(t, "arm"))
	assert.Equal(t, client.GenerationDirect, r.Generation())

	require.Eventually(t, func() bool {
		return f.daemon.Clients() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConnectFailsWithMostInformativeError(t *testing.T) {
	f := newFixture(t, []sim.Device{{ID: "other"}}, nil)
	_, err := client.Connect(context.Background(), f.config(t, "ghost"))
	require.Error(t, err)

	assert.ErrorIs(t, err, negotiate.ErrCouldNotConnect)
	assert.ErrorIs(t, err, relay.ErrAddressResolutionFailed)
	assert.Equal(t, rpc.KindAddressResolutionFailed, rpc.KindOf(err))
}

func TestConnectTimesOut(t *testing.T) {
	conf := client.DefaultConfig()
	l := loop.New(loop.Config{Name: t.Name()})
	t.Cleanup(l.Close)
	conf.Loop = l
	conf.ConnectTimeout = 50 * time.Millisecond

	var abandoned sync.WaitGroup
	abandoned.Add(1)
	conf.Direct = &client.DirectConfig{
		Transport: memory.ClientFunc(func(ctx context.Context) (rpc.Connection, error) {
			defer abandoned.Done()
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}

	_, err := client.Connect(context.Background(), conf)
	assert.ErrorIs(t, err, rpc.ErrConnectTimeout)
	assert.True(t, rpc.IsTimeout(err))
	abandoned.Wait()
}

func TestLateLoserIsClosed(t *testing.T) {
	f := newFixture(t, []sim.Device{{ID: "rover"}}, &sim.Device{ID: "rover"})
	conf := f.config(t, "rover")

	var mu sync.Mutex
	var late rpc.Connection
	daemon := memory.NewClientTransport(f.daemonName)
	conf.Legacy.Transport = memory.ClientFunc(func(ctx context.Context) (rpc.Connection, error) {
		time.Sleep(50 * time.Millisecond)
		conn, err := daemon.Connect(context.Background())
		mu.Lock()
		late = conn
		mu.Unlock()
		return conn, err
	})

	r := connect(t, conf)
	assert.Equal(t, client.GenerationDirect, r.Generation())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return late != nil && late.Send([]byte("x")) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestInvokeTimeoutKeepsCallPending(t *testing.T) {
	f := newFixture(t, nil, &sim.Device{ID: "arm", Stall: 100 * time.Millisecond})
	r := connect(t, f.config(t, "arm"))

	_, err := r.InvokeTimeout(sim.StallMethod, nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, rpc.ErrCallTimeout)
	assert.Equal(t, rpc.KindCallTimeout, rpc.KindOf(err))
	assert.Equal(t, 1, r.Pending())

	require.Eventually(t, func() bool {
		return r.Pending() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEventsReachSubscriber(t *testing.T) {
	for _, tc := range []struct {
		name   string
		legacy []sim.Device
		direct *sim.Device
	}{
		{name: "legacy", legacy: []sim.Device{{ID: "bot"}}},
		{name: "direct", direct: &sim.Device{ID: "bot"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.legacy, tc.direct)
			r := connect(t, f.config(t, "bot"))

			events := make(chan any, 4)
			r.On(sim.BuzzedEvent, func(payload any) {
				events <- payload
			})

			require.NoError(t, r.InvokeNoWait(sim.BuzzMethod, nil))
			select {
			case payload := <-events:
				assert.Equal(t, "bot", decodeString(t, payload))
			case <-time.After(time.Second):
				t.Fatal("event never arrived")
			}
		})
	}
}

func TestCloseFailsLaterCalls(t *testing.T) {
	f := newFixture(t, []sim.Device{{ID: "rover"}}, nil)
	r := connect(t, f.config(t, "rover"))

	require.NoError(t, r.Close())
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open")
	}

	_, err := r.Invoke(sim.PingMethod, nil)
	assert.ErrorIs(t, err, rpc.ErrSessionClosed)
	assert.True(t, rpc.IsClosed(err))

	require.Eventually(t, func() bool {
		return f.daemon.Clients() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDaemonLossClosesRobot(t *testing.T) {
	f := newFixture(t, []sim.Device{{ID: "rover"}}, nil)
	r := connect(t, f.config(t, "rover"))

	f.stop()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open")
	}

	_, err := r.Invoke(sim.PingMethod, nil)
	assert.Equal(t, rpc.KindRelayUnavailable, rpc.KindOf(err))
}

func TestConnectRequiresCandidate(t *testing.T) {
	_, err := client.Connect(context.Background(), client.DefaultConfig())
	assert.ErrorIs(t, err, client.ErrNoCandidates)

	conf := client.DefaultConfig()
	conf.Legacy = &client.LegacyConfig{Transport: memory.NewClientTransport("x")}
	_, err = client.Connect(context.Background(), conf)
	assert.Error(t, err)
}

func TestRegistryRejectsUnknownMethods(t *testing.T) {
	for _, tc := range []struct {
		name   string
		legacy []sim.Device
		direct *sim.Device
	}{
		{name: "legacy", legacy: []sim.Device{{ID: "bot"}}},
		{name: "direct", direct: &sim.Device{ID: "bot"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.legacy, tc.direct)
			conf := f.config(t, "bot")
			methods := rpc.NewRegistry(sim.PingMethod)
			conf.Legacy.Methods = methods
			conf.Direct.Methods = methods
			r := connect(t, conf)

			assert.Equal(t, "bot", decodeString(t, r.Handshake()))
			assert.False(t, methods.Has(client.HandshakeMethod))

			_, err := r.Invoke(sim.PingMethod, nil)
			require.NoError(t, err)

			_, err = r.Invoke(sim.EchoMethod, "x")
			assert.ErrorIs(t, err, rpc.ErrUnknownMethod)
			assert.Equal(t, 0, r.Pending())

			assert.ErrorIs(t, r.InvokeNoWait(sim.StallMethod, nil), rpc.ErrUnknownMethod)
		})
	}
}

func TestRegistryFromSimulatedDevice(t *testing.T) {
	f := newFixture(t, nil, &sim.Device{ID: "arm"})
	conf := f.config(t, "arm")
	conf.Legacy = nil
	conf.Direct.Methods = sim.Methods()
	r := connect(t, conf)

	v, err := r.Invoke(sim.EchoMethod, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", decodeString(t, v))

	_, err = r.Invoke("self_destruct", nil)
	assert.ErrorIs(t, err, rpc.ErrUnknownMethod)
}
