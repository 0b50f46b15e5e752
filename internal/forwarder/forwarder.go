// Package forwarder delivers finished inventories to an external consumer
// over a TCP socket, one JSON document per line.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
)

// ErrNotConnected is returned when delivering through a closed forwarder.
var ErrNotConnected = errors.New("forwarder: not connected")

// defaultWriteTimeout bounds a single delivery when ctx has no deadline.
const defaultWriteTimeout = 5 * time.Second

// Sink receives events worth forwarding.
type Sink interface {
	Deliver(ctx context.Context, e inventory.Event) error
	Close() error
}

// Dialer opens a Sink connected to addr.
type Dialer func(ctx context.Context, addr string, logger *slog.Logger) (Sink, error)

// Forwards reports whether events of kind k leave the process. Finished
// vicinity inventories and proximity sightings are forwarded; per-tag read
// requests stay local.
func Forwards(k inventory.EventKind) bool {
	return k == inventory.EventInventoryComplete || k == inventory.EventTagFound
}

// TCPForwarder writes events as JSON lines to a TCP peer.
type TCPForwarder struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	addr   string
	logger *slog.Logger
}

// Dial connects to addr and returns a ready TCPForwarder.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*TCPForwarder, error) {
	if logger == nil {
		logger = monitoring.Discard()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect output forwarder to %s: %w", addr, err)
	}
	logger.Info("output forwarder connected", "addr", addr)
	return newTCPForwarder(conn, addr, logger), nil
}

func newTCPForwarder(conn net.Conn, addr string, logger *slog.Logger) *TCPForwarder {
	if logger == nil {
		logger = monitoring.Discard()
	}
	return &TCPForwarder{
		conn:   conn,
		enc:    json.NewEncoder(conn),
		addr:   addr,
		logger: logger,
	}
}

// DialSink is a Dialer backed by Dial.
func DialSink(ctx context.Context, addr string, logger *slog.Logger) (Sink, error) {
	f, err := Dial(ctx, addr, logger)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Addr returns the peer address the forwarder was dialled with.
func (f *TCPForwarder) Addr() string { return f.addr }

// Deliver writes e as one JSON line. Events that are not forwarded are
// ignored. A failed write closes the connection and later calls return
// ErrNotConnected.
func (f *TCPForwarder) Deliver(ctx context.Context, e inventory.Event) error {
	if !Forwards(e.Kind) {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		f.drop(err)
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := f.enc.Encode(e); err != nil {
		f.drop(err)
		return fmt.Errorf("failed to forward %s event: %w", e.Kind, err)
	}
	f.logger.Debug("event forwarded", "kind", e.Kind.String(), "cycle", e.Cycle)
	return nil
}

// drop closes a connection whose last write failed; part of a line may
// already be on the wire and the peer must not see another line appended to
// it. f.mu must be held.
func (f *TCPForwarder) drop(cause error) {
	f.logger.Warn("output forwarder write failed, connection dropped", "addr", f.addr, "error", cause)
	f.conn.Close()
	f.conn = nil
	f.enc = nil
}

// Close closes the connection. Deliver returns ErrNotConnected afterwards.
func (f *TCPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	f.enc = nil
	return err
}
