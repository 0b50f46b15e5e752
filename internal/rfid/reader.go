// Package rfid drives an RFID reader attached over a serial line: it opens
// the transport, runs inventory cycles and publishes the decoded tag events.
package rfid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rfidgeek/internal/forwarder"
	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/serialmux"
	"github.com/banshee-data/rfidgeek/internal/timeutil"
)

var (
	ErrAlreadyInitialized = errors.New("rfid: reader already initialized")
	ErrNotInitialized     = errors.New("rfid: reader not initialized")
	ErrClosed             = errors.New("rfid: reader closed")
)

// deliverTimeout bounds one forwarder write from the processing loop.
const deliverTimeout = 2 * time.Second

// MuxFactory opens the transport for the reader. It is injected so that
// tests and dev mode can supply mock or disabled muxes.
type MuxFactory func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error)

// Option configures a Reader.
type Option func(*Reader)

// WithMuxFactory replaces the real serial port factory.
func WithMuxFactory(f MuxFactory) Option {
	return func(r *Reader) { r.factory = f }
}

// WithDialer replaces the TCP dialer used for the output forwarder.
func WithDialer(d forwarder.Dialer) Option {
	return func(r *Reader) { r.dial = d }
}

// WithLogger sets the logger. Without it the reader logs to stderr at the
// configured loglevel.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithClock sets the clock used for event timestamps and the scan watchdog.
func WithClock(c timeutil.Clock) Option {
	return func(r *Reader) { r.clock = c }
}

type controlOp int

const (
	opStart controlOp = iota
	opStop
)

type controlRequest struct {
	op    controlOp
	reply chan controlResult
}

type controlResult struct {
	changed bool
	err     error
}

// Reader owns one reader device. All decoding and scan state changes happen
// on a single processing goroutine started by Init; the exported methods are
// safe for concurrent use.
type Reader struct {
	cfg     Config
	decoder *inventory.Decoder
	hub     *Hub
	factory MuxFactory
	dial    forwarder.Dialer
	clock   timeutil.Clock
	logger  *slog.Logger

	mu          sync.Mutex
	mux         serialmux.SerialMuxInterface
	subID       string
	sink        forwarder.Sink
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}

	controls chan controlRequest
	state    atomic.Uint32
	last     atomic.Pointer[inventory.Event]

	// owned by the processing goroutine
	watchdog timeutil.Timer
}

// New validates cfg and builds an uninitialised Reader.
func New(cfg Config, opts ...Option) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Reader{
		cfg:      cfg,
		dial:     forwarder.DialSink,
		clock:    timeutil.RealClock{},
		controls: make(chan controlRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		logger, _, err := monitoring.NewLogger(os.Stderr, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		r.logger = logger
	}
	r.logger = r.logger.With("component", "rfid")
	if r.factory == nil {
		r.factory = func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
			mux, err := serialmux.NewRealSerialMux(path, opts, r.logger)
			if err != nil {
				return nil, err
			}
			return mux, nil
		}
	}

	decoder, err := inventory.NewDecoder(cfg.GetTagType(),
		inventory.WithLogger(r.logger),
		inventory.WithClock(r.clock),
	)
	if err != nil {
		return nil, err
	}
	decoder.Subscribe(inventory.HandlerFunc(r.dispatch))
	r.decoder = decoder
	r.hub = NewHub(r.logger)
	r.state.Store(uint32(inventory.Idle))
	return r, nil
}

// Config returns the configuration the reader was built with.
func (r *Reader) Config() Config { return r.cfg }

// TagType returns the tag type the reader decodes.
func (r *Reader) TagType() inventory.TagType { return r.decoder.TagType() }

// Init opens the transport, connects the output forwarder when tcpsocket is
// set, starts the processing loop and sends the set-up commands. ctx bounds
// the set-up only; the loop runs until Close.
func (r *Reader) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.initialized {
		return ErrAlreadyInitialized
	}

	port := r.cfg.GetPortName()
	mux, err := r.factory(port, r.cfg.Serial)
	if err != nil {
		return fmt.Errorf("failed to open reader on %s: %w", port, err)
	}

	var sink forwarder.Sink
	if r.cfg.TCPSocket {
		sink, err = r.dial(ctx, r.cfg.GetTCPAddr(), r.logger)
		if err != nil {
			mux.Close()
			return err
		}
	}

	subID, chunks := mux.SubscribeReliable()
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mux = mux
	r.sink = sink
	r.subID = subID
	r.cancel = cancel
	r.done = done

	go r.monitor(loopCtx, mux)
	go r.run(loopCtx, chunks, done)

	if err := mux.Initialize(r.cfg.GetInitCommands()...); err != nil {
		r.shutdown()
		return fmt.Errorf("failed to initialize reader: %w", err)
	}

	r.initialized = true
	serial, _ := r.cfg.Serial.Normalize()
	r.logger.Info("reader initialized", "port", port, "serial", serial.String(), "tag_type", r.TagType().String(), "forwarding", sink != nil)
	return nil
}

// StartScan starts an inventory cycle. It reports false when a cycle is
// already in progress.
func (r *Reader) StartScan() (bool, error) {
	return r.control(opStart)
}

// StopScan aborts the inventory cycle in progress without raising events for
// it. It reports false when no cycle was in progress.
func (r *Reader) StopScan() (bool, error) {
	return r.control(opStop)
}

// State returns the current scan state.
func (r *Reader) State() inventory.ScanState {
	return inventory.ScanState(r.state.Load())
}

// LastInventory returns the most recent finished inventory, if any.
func (r *Reader) LastInventory() (inventory.Event, bool) {
	e := r.last.Load()
	if e == nil {
		return inventory.Event{}, false
	}
	out := *e
	out.Tags = slices.Clone(e.Tags)
	return out, true
}

// Subscribe returns a channel of future events of the given kinds, or of
// every kind when none is given. Slow subscribers miss events rather than
// stall decoding.
func (r *Reader) Subscribe(kinds ...inventory.EventKind) (string, <-chan inventory.Event) {
	return r.hub.Subscribe(kinds...)
}

// Unsubscribe closes the subscription with the given id.
func (r *Reader) Unsubscribe(id string) {
	r.hub.Unsubscribe(id)
}

// Mux returns the transport, or nil before Init.
func (r *Reader) Mux() serialmux.SerialMuxInterface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mux
}

// Close stops the processing loop and releases the transport and the
// forwarder. It is safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.shutdown()
	r.hub.Close()
	return err
}

// shutdown tears down what Init set up. r.mu must be held.
func (r *Reader) shutdown() error {
	if r.mux == nil {
		return nil
	}
	r.cancel()
	<-r.done

	r.mux.Unsubscribe(r.subID)
	err := r.mux.Close()
	if r.sink != nil {
		if cerr := r.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	r.mux = nil
	r.sink = nil
	r.initialized = false
	r.state.Store(uint32(inventory.Idle))
	return err
}

func (r *Reader) control(op controlOp) (bool, error) {
	r.mu.Lock()
	closed, initialized, done := r.closed, r.initialized, r.done
	r.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if !initialized {
		return false, ErrNotInitialized
	}

	req := controlRequest{op: op, reply: make(chan controlResult, 1)}
	select {
	case r.controls <- req:
	case <-done:
		return false, ErrClosed
	}
	select {
	case res := <-req.reply:
		return res.changed, res.err
	case <-done:
		return false, ErrClosed
	}
}

func (r *Reader) monitor(ctx context.Context, mux serialmux.SerialMuxInterface) {
	if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("reader transport stopped", "error", err)
	}
}

// run is the processing loop. Each chunk is decoded to completion, events
// included, before the next chunk or control request is looked at.
func (r *Reader) run(ctx context.Context, chunks <-chan []byte, done chan struct{}) {
	defer close(done)
	defer r.disarm()

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-chunks:
			if !ok {
				r.logger.Warn("reader stream closed")
				chunks = nil
				continue
			}
			r.decoder.Feed(chunk)
			r.syncState()

		case req := <-r.controls:
			req.reply <- r.apply(req.op)

		case <-r.watchdogC():
			r.expire()
		}
	}
}

func (r *Reader) apply(op controlOp) controlResult {
	switch op {
	case opStart:
		if !r.decoder.StartScan() {
			return controlResult{}
		}
		if err := r.mux.SendCommand(r.cfg.GetInventoryCommand()); err != nil {
			r.decoder.StopScan()
			r.syncState()
			return controlResult{err: fmt.Errorf("failed to start inventory: %w", err)}
		}
		r.syncState()
		r.arm()
		r.logger.Info("inventory started", "cycle", r.decoder.Cycle())
		return controlResult{changed: true}

	case opStop:
		if !r.decoder.StopScan() {
			return controlResult{}
		}
		r.syncState()
		r.logger.Info("inventory stopped", "cycle", r.decoder.Cycle())
		return controlResult{changed: true, err: r.sendStop()}
	}
	return controlResult{err: fmt.Errorf("unknown control op %d", op)}
}

func (r *Reader) sendStop() error {
	if r.cfg.StopCommand == "" {
		return nil
	}
	if err := r.mux.SendCommand(r.cfg.StopCommand); err != nil {
		return fmt.Errorf("failed to stop inventory: %w", err)
	}
	return nil
}

// syncState publishes the decoder state to State() callers and disarms the
// watchdog once the cycle is over.
func (r *Reader) syncState() {
	st := r.decoder.State()
	r.state.Store(uint32(st))
	if st.IsIdle() {
		r.disarm()
	}
}

func (r *Reader) arm() {
	d := r.cfg.GetScanTimeout()
	if d <= 0 {
		return
	}
	r.disarm()
	r.watchdog = r.clock.NewTimer(d)
}

func (r *Reader) disarm() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

func (r *Reader) watchdogC() <-chan time.Time {
	if r.watchdog == nil {
		return nil
	}
	return r.watchdog.C()
}

// expire aborts a cycle that outlived scan_timeout, exactly as StopScan does.
func (r *Reader) expire() {
	r.watchdog = nil
	if !r.decoder.StopScan() {
		return
	}
	r.syncState()
	r.logger.Warn("inventory timed out, cycle aborted", "cycle", r.decoder.Cycle(), "timeout", r.cfg.GetScanTimeout())
	if err := r.sendStop(); err != nil {
		r.logger.Error("failed to stop reader after timeout", "error", err)
	}
}

// dispatch runs on the processing goroutine for every decoder event.
func (r *Reader) dispatch(e inventory.Event) {
	if e.Kind == inventory.EventInventoryComplete {
		last := e
		r.last.Store(&last)
	}
	if r.sink != nil && forwarder.Forwards(e.Kind) {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := r.sink.Deliver(ctx, e); err != nil {
			r.logger.Warn("failed to forward event", "kind", e.Kind.String(), "error", err)
		}
		cancel()
	}
	r.hub.Publish(e)
}
