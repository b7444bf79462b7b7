package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/rpc"
)

type DaemonConfig struct {
	// Name answers HelloMethod. Defaults to "robolink".
	Name      string
	Transport rpc.ServerTransport
	// Codec decodes both daemon-level and device-level frames.
	Codec rpc.ServerCodec
	// Wrapper defaults to BinaryWrapper.
	Wrapper Wrapper
	// Mux serves calls on the empty address. ResolveMethod is added to it.
	Mux        *rpc.Mux
	ErrHandler func(error)
	Logger     log.Logger
}

// Device is one addressable endpoint behind the daemon.
type Device struct {
	ID      string
	Address string
	Mux     *rpc.Mux
}

// Daemon is the serving side of a relay: it accepts client links, answers
// ResolveMethod, and routes wrapped frames to per-device handlers.
type Daemon struct {
	conf      DaemonConfig
	mu        sync.RWMutex
	devices   map[string]*Device
	byAddress map[string]*Device
	clients   map[*daemonClient]struct{}
	running   bool
	listening bool
	wg        sync.WaitGroup
}

type daemonClient struct {
	conn   rpc.Connection
	daemon *Daemon
	mu     sync.Mutex
}

func (c *daemonClient) send(address string, frame []byte) error {
	outer, err := c.daemon.conf.Wrapper.Wrap(address, frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Send(outer)
}

// addressEmitter lets handlers push events back to the calling client, as
// traffic of the address they serve.
type addressEmitter struct {
	client  *daemonClient
	address string
}

func (e *addressEmitter) Emit(name string, payload any) error {
	bs, err := e.client.daemon.conf.Codec.SerializeEvent(name, payload)
	if err != nil {
		return err
	}
	return e.client.send(e.address, bs)
}

func NewDaemon(conf DaemonConfig) *Daemon {
	if conf.Wrapper == nil {
		conf.Wrapper = BinaryWrapper{}
	}
	if conf.Mux == nil {
		conf.Mux = rpc.NewMux()
	}
	if conf.Name == "" {
		conf.Name = "robolink"
	}
	d := &Daemon{
		conf:      conf,
		devices:   make(map[string]*Device),
		byAddress: make(map[string]*Device),
		clients:   make(map[*daemonClient]struct{}),
	}
	conf.Mux.Handle(ResolveMethod, d.handleResolve)
	conf.Mux.Handle(HelloMethod, func(ctx context.Context, args any) (any, error) {
		return conf.Name, nil
	})
	return d
}

func (d *Daemon) handleError(err error) {
	if errors.Is(err, rpc.ErrConnectionClosed) {
		d.logInfo("Client disconnected")
		return
	}
	d.logError("Encountered error: " + err.Error())
	if d.conf.ErrHandler != nil {
		d.conf.ErrHandler(err)
	}
}

func (d *Daemon) logDebug(msg string) {
	if d.conf.Logger != nil {
		d.conf.Logger.Debug(msg)
	}
}

func (d *Daemon) logInfo(msg string) {
	if d.conf.Logger != nil {
		d.conf.Logger.Info(msg)
	}
}

func (d *Daemon) logError(msg string) {
	if d.conf.Logger != nil {
		d.conf.Logger.Error(msg)
	}
}

// AddDevice makes a device resolvable and routable.
func (d *Daemon) AddDevice(id, address string, mux *rpc.Mux) error {
	if address == "" {
		return fmt.Errorf("%w: the empty address is reserved", ErrAddressAlreadyBound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[id]; ok {
		return fmt.Errorf("relay: device %s already added", id)
	}
	if _, ok := d.byAddress[address]; ok {
		return fmt.Errorf("%w: %s", ErrAddressAlreadyBound, address)
	}
	dev := &Device{ID: id, Address: address, Mux: mux}
	d.devices[id] = dev
	d.byAddress[address] = dev
	d.logInfo(fmt.Sprintf("Added device %s at %s", id, address))
	return nil
}

// RemoveDevice forgets a device. Traffic still addressed to it gets
// ErrUnknownAddress replies.
func (d *Daemon) RemoveDevice(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	if !ok {
		return
	}
	delete(d.devices, id)
	delete(d.byAddress, dev.Address)
}

// Devices lists the known device ids in order.
func (d *Daemon) Devices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.devices))
	for id := range d.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Daemon) handleResolve(ctx context.Context, args any) (any, error) {
	id, err := decodeDeviceID(args)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	dev, ok := d.devices[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device %s", id)
	}
	return Endpoint{DeviceID: dev.ID, Address: dev.Address}, nil
}

func (d *Daemon) muxFor(address string) (*rpc.Mux, bool) {
	if address == "" {
		return d.conf.Mux, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byAddress[address]
	if !ok {
		return nil, false
	}
	return dev.Mux, true
}

// Serve handles one client link until it closes.
func (d *Daemon) Serve(conn rpc.Connection) {
	client := &daemonClient{conn: conn, daemon: d}

	d.mu.Lock()
	d.clients[client] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.clients, client)
		d.mu.Unlock()
		conn.Close()
	}()

	for {
		bs, err := conn.Receive()
		if err != nil {
			d.handleError(err)
			return
		}

		address, inner, err := d.conf.Wrapper.Unwrap(bs)
		if err != nil {
			d.handleError(fmt.Errorf("%w: %w", rpc.ErrProtocolDecode, err))
			continue
		}

		req, err := d.conf.Codec.ParseRequest(inner)
		if err != nil {
			d.handleError(fmt.Errorf("%w: %w", rpc.ErrProtocolDecode, err))
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleRequest(client, address, req)
		}()
	}
}

func (d *Daemon) handleRequest(client *daemonClient, address string, req rpc.Request) {
	var payload any
	var err error

	mux, ok := d.muxFor(address)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	} else {
		ctx := rpc.WithEmitter(context.Background(), &addressEmitter{client: client, address: address})
		d.logDebug(fmt.Sprintf("Handling %s request %d for %q", req.Method, req.RequestID, address))
		payload, err = mux.Dispatch(ctx, req.Method, req.Args)
	}

	bs, serr := d.conf.Codec.SerializeReply(req.RequestID, payload, err)
	if serr != nil {
		d.handleError(serr)
		return
	}
	if err := client.send(address, bs); err != nil {
		d.handleError(err)
	}
}

// Emit sends a device event to every connected client.
func (d *Daemon) Emit(address, name string, payload any) error {
	bs, err := d.conf.Codec.SerializeEvent(name, payload)
	if err != nil {
		return err
	}

	d.mu.RLock()
	clients := make([]*daemonClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.RUnlock()

	var first error
	for _, c := range clients {
		if err := c.send(address, bs); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Clients returns the number of connected client links.
func (d *Daemon) Clients() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

// Listen binds the transport without accepting.
func (d *Daemon) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listening {
		return nil
	}
	if err := d.conf.Transport.Listen(); err != nil {
		return err
	}
	d.listening = true
	return nil
}

func (d *Daemon) ListenAndServe() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logInfo("Starting daemon")

	if err := d.Listen(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	for {
		conn, err := d.conf.Transport.Accept()
		if err != nil {
			if errors.Is(err, rpc.ErrTransportClosed) {
				return nil
			}
			d.handleError(err)
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Serve(conn)
		}()
	}
}

// Shutdown stops accepting and drops every client link.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.listening = false
	clients := make([]*daemonClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	var err error
	if d.conf.Transport != nil {
		err = d.conf.Transport.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
