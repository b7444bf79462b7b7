package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kbirk/robolink/pkg/log"
)

type ServerConfig struct {
	Transport  ServerTransport
	Codec      ServerCodec
	Mux        *Mux
	ErrHandler func(error)
	Logger     log.Logger
}

// Server answers calls from proxies. Each connection gets a reader
// goroutine; each request is handled on its own goroutine and replies are
// correlated by request id, so ordering is not preserved.
type Server struct {
	conf      ServerConfig
	mu        sync.Mutex
	running   bool
	listening bool
	peers     map[*Peer]struct{}
	wg        sync.WaitGroup
}

// Peer is the server's end of one connection.
type Peer struct {
	conn  Connection
	codec ServerCodec
	mu    sync.Mutex
}

func NewPeer(conn Connection, codec ServerCodec) *Peer {
	return &Peer{
		conn:  conn,
		codec: codec,
	}
}

func (p *Peer) send(bs []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Send(bs)
}

// Emit sends a named event to this peer.
func (p *Peer) Emit(name string, payload any) error {
	bs, err := p.codec.SerializeEvent(name, payload)
	if err != nil {
		return err
	}
	return p.send(bs)
}

// Reply sends the reply for requestID.
func (p *Peer) Reply(requestID uint64, payload any, err error) error {
	bs, serr := p.codec.SerializeReply(requestID, payload, err)
	if serr != nil {
		return serr
	}
	return p.send(bs)
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

func NewServer(conf ServerConfig) *Server {
	if conf.Mux == nil {
		conf.Mux = NewMux()
	}
	return &Server{
		conf:  conf,
		peers: make(map[*Peer]struct{}),
	}
}

// Mux returns the server's method table.
func (s *Server) Mux() *Mux {
	return s.conf.Mux
}

func (s *Server) handleError(err error) {
	if errors.Is(err, ErrConnectionClosed) {
		s.logInfo("Client disconnected")
		return
	}
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *Server) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Server) logInfo(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Info(msg)
	}
}

func (s *Server) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}

// Serve handles conn until it closes. ListenAndServe calls it for every
// accepted connection; tests may call it directly.
func (s *Server) Serve(conn Connection) {
	peer := NewPeer(conn, s.conf.Codec)

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		bs, err := conn.Receive()
		if err != nil {
			s.handleError(err)
			return
		}

		req, err := s.conf.Codec.ParseRequest(bs)
		if err != nil {
			s.handleError(fmt.Errorf("%w: %w", ErrProtocolDecode, err))
			continue
		}

		go s.handleRequest(peer, req)
	}
}

func (s *Server) handleRequest(peer *Peer, req Request) {
	ctx := WithEmitter(context.Background(), peer)

	s.logDebug(fmt.Sprintf("Handling %s request %d", req.Method, req.RequestID))

	payload, err := s.conf.Mux.Dispatch(ctx, req.Method, req.Args)
	if err := peer.Reply(req.RequestID, payload, err); err != nil {
		s.handleError(err)
	}
}

// Broadcast sends an event to every connected peer. It returns the first
// send error, after trying all peers.
func (s *Server) Broadcast(name string, payload any) error {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var first error
	for _, p := range peers {
		if err := p.Emit(name, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Peers returns the number of open connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Listen binds the transport without accepting. Clients may connect as soon
// as it returns; ListenAndServe calls it if it has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	if err := s.conf.Transport.Listen(); err != nil {
		return err
	}
	s.listening = true
	return nil
}

func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logInfo("Starting server")

	if err := s.Listen(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()

		if !running {
			break
		}

		conn, err := s.conf.Transport.Accept()
		if err != nil {
			// a closed transport ends the accept loop during shutdown
			if errors.Is(err, ErrTransportClosed) {
				break
			}
			s.handleError(err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Serve(conn)
		}()
	}

	return nil
}

// Shutdown stops accepting, closes every open connection and waits for
// their readers to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.listening = false
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var err error
	if s.conf.Transport != nil {
		err = s.conf.Transport.Close()
	}
	for _, p := range peers {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
