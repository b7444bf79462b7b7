package sim

import (
	"context"
	"testing"
	"time"

	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/rpc/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	names    []string
	payloads []any
}

func (e *recordingEmitter) Emit(name string, payload any) error {
	e.names = append(e.names, name)
	e.payloads = append(e.payloads, payload)
	return nil
}

func TestDeviceMux(t *testing.T) {
	mux := DeviceMux(Device{ID: "rover", Stall: time.Millisecond}, nil)
	ctx := context.Background()

	v, err := mux.Dispatch(ctx, client.HandshakeMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, "rover", v)

	v, err = mux.Dispatch(ctx, EchoMethod, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)

	v, err = mux.Dispatch(ctx, StallMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = mux.Dispatch(ctx, BuzzMethod, nil)
	assert.Error(t, err)

	emitter := &recordingEmitter{}
	v, err = mux.Dispatch(rpc.WithEmitter(ctx, emitter), BuzzMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []string{BuzzedEvent}, emitter.names)
	assert.Equal(t, []any{"rover"}, emitter.payloads)
}

func TestNewDaemonAssignsAddresses(t *testing.T) {
	d, err := NewDaemon(nil, nil, Device{ID: "a"}, Device{ID: "b", Address: "usb-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Devices())
	assert.Equal(t, "sim-0", d.devices[0].Address)
	assert.Equal(t, "usb-b", d.devices[1].Address)

	_, err = NewDaemon(nil, nil, Device{ID: "a", Address: "x"}, Device{ID: "b", Address: "x"})
	assert.Error(t, err)
}

func TestSimRunStopsWithContext(t *testing.T) {
	daemon, err := NewDaemon(memory.NewServerTransport("sim-run-daemon"), nil, Device{ID: "a"})
	require.NoError(t, err)
	direct := NewDirectDevice(memory.NewServerTransport("sim-run-direct"), nil, Device{ID: "b"})

	s := &Sim{
		Daemons:      []*Daemon{daemon},
		Directs:      []*DirectDevice{direct},
		TickInterval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		conn, err := memory.NewClientTransport("sim-run-direct").Connect(context.Background())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sim did not stop")
	}
	assert.Error(t, s.Run(context.Background()))
}

func TestMethods(t *testing.T) {
	assert.Equal(t, []string{BuzzMethod, EchoMethod, client.HandshakeMethod, PingMethod, StallMethod}, Methods().Names())
}
