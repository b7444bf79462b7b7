package rpc

import (
	"context"

	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/loop"
)

// Dial connects t on a helper goroutine and settles on l. Cancelling the
// returned future abandons the attempt; a connection that arrives after
// that is closed.
func Dial(ctx context.Context, l *loop.Loop, t ClientTransport) *future.Future[Connection] {
	f := future.New[Connection]()
	ctx, cancel := context.WithCancel(ctx)

	f.SetCanceler(func() {
		cancel()
		l.Post(func() {
			f.Reject(future.ErrCanceled)
		})
	})

	go func() {
		conn, err := t.Connect(ctx)
		l.Post(func() {
			defer cancel()
			if err != nil {
				f.Reject(err)
				return
			}
			if !f.Resolve(conn) {
				conn.Close()
			}
		})
	}()
	return f
}

// Open dials t and attaches the connection to a new proxy. The proxy is
// created on l when the connection arrives.
func Open(ctx context.Context, l *loop.Loop, t ClientTransport, conf ProxyConfig) *future.Future[*Proxy] {
	return future.Map(Dial(ctx, l, t), func(conn Connection) (*Proxy, error) {
		p := NewProxy(l, conf)
		if _, err := Attach(p, conn); err != nil {
			return nil, err
		}
		return p, nil
	})
}
