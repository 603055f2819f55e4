package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mzyy94/saturnlink/internal/broker"
	"github.com/mzyy94/saturnlink/internal/fileserver"
	"github.com/mzyy94/saturnlink/internal/netutil"
	"github.com/mzyy94/saturnlink/internal/sdcp"
)

var (
	// ErrDisconnected is returned when a command is issued with no active printer connection.
	ErrDisconnected = errors.New("no active printer connection")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine closed")
)

// DeviceStore persists devices seen by discovery or through the broker.
type DeviceStore interface {
	SaveDevice(d sdcp.Device) error
	LookupIdentity(address string) (string, bool)
}

// Options configures an Engine.
type Options struct {
	BindIP       string // Local address for listeners; empty selects one per printer
	BrokerPort   int    // Preferred broker port; 0 for sdcp.DefaultBrokerPort
	FilePort     int    // Preferred file server port; 0 for sdcp.DefaultFilePort
	StatusPeriod int    // Status push interval in ms; 0 for sdcp.DefaultStatusPeriod
	EventBuffer  int    // Per-subscriber queue length
	Store        DeviceStore
	Discovery    sdcp.DiscoveryOptions
}

// transfer is the one upload currently published by the file server.
type transfer struct {
	fileserver.Transfer
	Filename  string
	AutoPrint bool
}

// session is owned by the engine loop. Nothing outside run() touches it.
type session struct {
	address     string
	localIP     string
	brokerPort  int
	filePort    int
	conn        *broker.Conn
	packetID    uint16
	mainboardID string
	identity    string
	model       string

	transfer      *transfer
	readyNotified string
	last          *StatusSnapshot

	broker *broker.Server
	files  *fileserver.Server
}

// Engine drives one printer session. Every mutation of session state runs
// on a single goroutine; callers and network goroutines post closures to it.
type Engine struct {
	opts       Options
	bus        *Bus
	discoverer *sdcp.Discoverer

	ops       chan func()
	quit      chan struct{}
	closeOnce sync.Once

	s session
}

// New creates an Engine and starts its loop.
func New(opts Options) *Engine {
	if opts.BrokerPort == 0 {
		opts.BrokerPort = sdcp.DefaultBrokerPort
	}
	if opts.FilePort == 0 {
		opts.FilePort = sdcp.DefaultFilePort
	}
	if opts.StatusPeriod == 0 {
		opts.StatusPeriod = sdcp.DefaultStatusPeriod
	}
	if opts.Discovery.LocalIP == "" {
		opts.Discovery.LocalIP = opts.BindIP
	}
	e := &Engine{
		opts:       opts,
		bus:        NewBus(opts.EventBuffer),
		discoverer: sdcp.NewDiscoverer(opts.Discovery),
		ops:        make(chan func(), 64),
		quit:       make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.quit:
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(fn func()) error {
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrClosed
	}
}

// Subscribe returns a new event subscription.
func (e *Engine) Subscribe() *Subscription { return e.bus.Subscribe() }

// Close stops the listeners, drops the printer connection and ends the loop.
func (e *Engine) Close() error {
	err := e.call(func() {
		e.stopListeners()
		if e.s.conn != nil {
			e.s.conn.Close()
			e.s.conn = nil
		}
	})
	e.closeOnce.Do(func() { close(e.quit) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// notice logs text and forwards it to subscribers.
func (e *Engine) notice(level slog.Level, text string, args ...any) {
	slog.Log(context.Background(), level, text, args...)
	e.bus.Publish(LogMessage{Text: text})
}

// Discover broadcasts the discovery trigger and reports replies as
// DeviceFound events until ctx is cancelled.
func (e *Engine) Discover(ctx context.Context) error {
	return e.discoverer.Run(ctx, func(d sdcp.Device) {
		e.bus.Publish(DeviceFound{Address: d.Address, Name: d.Name, Model: d.Model})
		e.saveDevice(d)
	})
}

func (e *Engine) saveDevice(d sdcp.Device) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.SaveDevice(d); err != nil {
		slog.Warn("save device failed", "addr", d.Address, "err", err)
	}
}

// lookupIdentity consults the in-process discovery cache, then the store.
func (e *Engine) lookupIdentity(address string) string {
	if id, ok := e.discoverer.LookupIdentity(address); ok {
		return id
	}
	if e.opts.Store != nil {
		if id, ok := e.opts.Store.LookupIdentity(address); ok {
			return id
		}
	}
	return ""
}

// Connect starts the broker and file server on a local address reachable by
// the printer at address, then invites the printer to the broker. Listeners
// from a previous Connect are closed first.
func (e *Engine) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	identity := e.lookupIdentity(address)
	if identity == "" {
		e.notice(slog.LevelWarn, "printer identity unknown, run discovery first", "addr", address)
	}
	localIP := e.opts.BindIP
	if localIP == "" {
		localIP = netutil.LocalIPFor(address)
	}

	var brokerPort int
	var startErr error
	if err := e.call(func() {
		brokerPort, startErr = e.startSession(address, localIP, identity)
	}); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	if err := sdcp.Invite(address, brokerPort); err != nil {
		e.notice(slog.LevelError, "invite failed", "addr", address, "err", err)
		return err
	}
	e.notice(slog.LevelInfo, fmt.Sprintf("invited %s to %s:%d", address, localIP, brokerPort))
	return nil
}

func (e *Engine) startSession(address, localIP, identity string) (int, error) {
	e.stopListeners()
	if e.s.conn != nil {
		e.s.conn.Close()
		e.s.conn = nil
	}

	bs, err := broker.Listen(localIP, e.opts.BrokerPort, e)
	if err != nil {
		return 0, fmt.Errorf("start broker: %w", err)
	}
	fs, err := fileserver.Listen(localIP, e.opts.FilePort, e)
	if err != nil {
		bs.Close()
		return 0, fmt.Errorf("start file server: %w", err)
	}
	go func() {
		if err := bs.Serve(); err != nil {
			slog.Warn("broker stopped", "err", err)
		}
	}()
	go func() {
		if err := fs.Serve(); err != nil {
			slog.Warn("file server stopped", "err", err)
		}
	}()

	e.s.broker, e.s.files = bs, fs
	e.s.address = address
	e.s.localIP = localIP
	e.s.brokerPort = bs.Port()
	e.s.filePort = fs.Port()
	e.s.identity = identity
	e.s.mainboardID = ""
	e.s.model = ""
	e.s.last = nil
	slog.Info("session listeners ready", "addr", address, "local", localIP,
		"broker", e.s.brokerPort, "files", e.s.filePort)
	return e.s.brokerPort, nil
}

func (e *Engine) stopListeners() {
	if e.s.broker != nil {
		e.s.broker.Close()
		e.s.broker = nil
	}
	if e.s.files != nil {
		e.s.files.Close()
		e.s.files = nil
	}
}

// OnConnect makes c the active connection, closing any previous one.
func (e *Engine) OnConnect(c *broker.Conn) {
	e.post(func() {
		if prev := e.s.conn; prev != nil && prev != c {
			slog.Info("replacing printer connection", "old", prev.RemoteAddr(), "new", c.RemoteAddr())
			prev.Close()
		}
		e.s.conn = c
		e.notice(slog.LevelInfo, "printer connected to broker", "remote", c.RemoteAddr())
	})
}

// OnSubscribe runs the handshake and reports the connection as ready.
func (e *Engine) OnSubscribe(c *broker.Conn) {
	e.post(func() {
		if e.s.conn != c {
			return
		}
		e.handshake()
		e.bus.Publish(ConnectionReady{})
	})
}

// OnPublish feeds an inbound message to the status interpreter.
func (e *Engine) OnPublish(c *broker.Conn, topic string, payload []byte) {
	e.post(func() {
		if e.s.conn != c {
			return
		}
		e.handleMessage(topic, payload)
	})
}

// OnClose forgets c if it is still the active connection.
func (e *Engine) OnClose(c *broker.Conn) {
	e.post(func() {
		if e.s.conn != c {
			return
		}
		e.s.conn = nil
		e.notice(slog.LevelInfo, "printer disconnected", "remote", c.RemoteAddr())
	})
}

// ResolveToken returns a copy of the active transfer when token names it.
func (e *Engine) ResolveToken(token string) (fileserver.Transfer, bool) {
	var t fileserver.Transfer
	var ok bool
	if err := e.call(func() {
		if e.s.transfer != nil && e.s.transfer.Token == token {
			t, ok = e.s.transfer.Transfer, true
		}
	}); err != nil {
		return fileserver.Transfer{}, false
	}
	return t, ok
}
