package test

import (
	"context"
	"testing"
	"time"

	"github.com/kbirk/robolink/internal/sim"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/rpc/tcp"
)

func benchmarkInvoke(b *testing.B, legacy bool) {
	daemonSrv := tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1", NoDelay: true})
	directSrv := tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1", NoDelay: true})

	d, err := sim.NewDaemon(daemonSrv, nil, sim.Device{ID: "rover"})
	if err != nil {
		b.Fatal(err)
	}
	s := &sim.Sim{
		Daemons: []*sim.Daemon{d},
		Directs: []*sim.DirectDevice{sim.NewDirectDevice(directSrv, nil, sim.Device{ID: "arm"})},
	}
	if err := s.Listen(); err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	l := loop.New(loop.Config{Name: b.Name()})
	defer l.Close()

	conf := client.DefaultConfig()
	conf.Loop = l
	conf.SettleDelay = time.Millisecond
	if legacy {
		conf.Legacy = &client.LegacyConfig{
			Transport: tcp.NewClientTransport(tcp.ClientTransportConfig{Host: "127.0.0.1", Port: daemonSrv.BoundPort(), NoDelay: true}),
			DeviceID:  "rover",
		}
	} else {
		conf.Direct = &client.DirectConfig{
			Transport: tcp.NewClientTransport(tcp.ClientTransportConfig{Host: "127.0.0.1", Port: directSrv.BoundPort(), NoDelay: true}),
		}
	}

	r, err := client.Connect(context.Background(), conf)
	if err != nil {
		b.Fatal(err)
	}
	defer r.Close()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := r.Invoke(sim.PingMethod, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInvokeLegacyTCP(b *testing.B) {
	benchmarkInvoke(b, true)
}

func BenchmarkInvokeDirectTCP(b *testing.B) {
	benchmarkInvoke(b, false)
}
