package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
)

// Link puts a blocking Connection behind the loop. A reader goroutine posts
// every inbound frame to the loop in arrival order, and a writer goroutine
// drains an ordered outbox, so code on the loop never blocks on I/O.
type Link struct {
	loop   *loop.Loop
	conn   Connection
	conf   LinkConfig
	mu     sync.Mutex
	outbox [][]byte
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
	cause  error
}

type LinkConfig struct {
	// OnFrame runs on the loop for every inbound frame.
	OnFrame func([]byte)
	// OnClosed runs on the loop once, after the last OnFrame.
	OnClosed func(error)
	Logger   log.Logger
}

func NewLink(l *loop.Loop, conn Connection, conf LinkConfig) *Link {
	return &Link{
		loop: l,
		conn: conn,
		conf: conf,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (k *Link) logDebug(msg string) {
	if k.conf.Logger != nil {
		k.conf.Logger.Debug(msg)
	}
}

func (k *Link) logError(msg string) {
	if k.conf.Logger != nil {
		k.conf.Logger.Error(msg)
	}
}

// Start launches the reader and writer goroutines.
func (k *Link) Start() {
	go k.readLoop()
	go k.writeLoop()
}

func (k *Link) readLoop() {
	for {
		bs, err := k.conn.Receive()
		if err != nil {
			k.shutdown(err)
			return
		}
		k.loop.Post(func() {
			if k.conf.OnFrame != nil {
				k.conf.OnFrame(bs)
			}
		})
	}
}

func (k *Link) writeLoop() {
	for {
		select {
		case <-k.wake:
		case <-k.done:
			return
		}
		for {
			k.mu.Lock()
			batch := k.outbox
			k.outbox = nil
			k.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, bs := range batch {
				if err := k.conn.Send(bs); err != nil {
					k.shutdown(err)
					return
				}
			}
		}
	}
}

// Send queues data for the writer goroutine. It fails only once the link
// has shut down.
func (k *Link) Send(data []byte) error {
	k.mu.Lock()
	if k.closed {
		cause := k.cause
		k.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	k.outbox = append(k.outbox, data)
	k.mu.Unlock()

	select {
	case k.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close shuts the link down locally. OnClosed still fires.
func (k *Link) Close() error {
	k.shutdown(ErrConnectionClosed)
	return nil
}

// Closed reports whether the link has shut down.
func (k *Link) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

func (k *Link) shutdown(cause error) {
	k.once.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}
		k.mu.Lock()
		k.closed = true
		k.cause = cause
		k.outbox = nil
		k.mu.Unlock()
		close(k.done)

		if errors.Is(cause, ErrConnectionClosed) {
			k.logDebug("Connection closed normally")
		} else {
			k.logError("Connection failed: " + cause.Error())
		}
		if err := k.conn.Close(); err != nil {
			k.logDebug("Closing connection: " + err.Error())
		}

		k.loop.Post(func() {
			if k.conf.OnClosed != nil {
				k.conf.OnClosed(cause)
			}
		})
	})
}
