// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to the raw byte stream from the port and send
// commands to a single reader device.
package serialmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rfidgeek/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

const (
	// readBufferSize is the largest chunk handed to subscribers at once.
	readBufferSize = 1024
	// subscriberBuffer is the number of chunks a subscriber may fall behind
	// before chunks are dropped for it.
	subscriberBuffer = 256
)

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to the chunks read from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	logger       *slog.Logger
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	dropped      atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving raw chunks read from the
	// serial port, in arrival order. The channel ID is used to identify the
	// unique channel when unsubscribing.
	Subscribe() (string, <-chan []byte)
	// SubscribeReliable is Subscribe without loss: when the subscriber falls
	// behind, reading from the port pauses until it catches up. Use it for
	// the consumer that decodes the stream; chunks hold partial lines, so a
	// gap would splice two records together.
	SubscribeReliable() (string, <-chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Initialize sends the reader set-up commands in order.
	Initialize(commands ...string) error
	// Monitor reads chunks from the serial port and sends them to the
	// subscribed channels.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures a SerialMux.
type Option func(*muxOptions)

type muxOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the mux.
func WithLogger(l *slog.Logger) Option {
	return func(o *muxOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := muxOptions{logger: monitoring.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		port:        port,
		logger:      o.logger.With("component", "serialmux"),
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID.
func randomID() string {
	return uuid.NewString()
}

// subscriber is one consumer of the chunk stream. Lossy subscribers skip
// chunks while their buffer is full; reliable ones make publish wait.
type subscriber struct {
	ch       chan []byte
	reliable bool

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscriber(reliable bool) *subscriber {
	return &subscriber{
		ch:       make(chan []byte, subscriberBuffer),
		reliable: reliable,
		done:     make(chan struct{}),
	}
}

// send delivers chunk and reports whether it was delivered. A reliable send
// blocks until the chunk is taken, the subscriber is closed or ctx is done.
func (sub *subscriber) send(ctx context.Context, chunk []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	if !sub.reliable {
		select {
		case sub.ch <- chunk:
			return true
		default:
			return false
		}
	}
	select {
	case sub.ch <- chunk:
		return true
	case <-sub.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (sub *subscriber) close() {
	// release a sender blocked on a full channel before taking its lock
	sub.doneOnce.Do(func() { close(sub.done) })
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (s *SerialMux[T]) Subscribe() (string, <-chan []byte) {
	return s.subscribe(false)
}

func (s *SerialMux[T]) SubscribeReliable() (string, <-chan []byte) {
	return s.subscribe(true)
}

func (s *SerialMux[T]) subscribe(reliable bool) (string, <-chan []byte) {
	id := randomID()
	sub := newSubscriber(reliable)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosing() {
		// If already closing, return a closed channel so callers don't block.
		sub.close()
		return id, sub.ch
	}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subscriberMu.Unlock()
	if ok {
		sub.close()
	}
}

// Dropped returns the number of chunks discarded because a lossy subscriber
// was not keeping up. Reliable subscribers never lose chunks.
func (s *SerialMux[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Initialize sends the reader set-up commands in order, stopping at the
// first failure.
func (s *SerialMux[T]) Initialize(commands ...string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send initialization command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.logger.Debug("command sent", "command", strings.TrimSpace(command))
	return nil
}

// Monitor reads the serial port and sends every chunk to the subscribers
// until the port reports EOF, a read fails or ctx is cancelled.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any chunks to
	// chunkChan and any errors to readErrChan
	//
	// the blocking Read will not interfere with our outer loop awaiting
	// chunks & context cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunkChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				select {
				case err := <-readErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.publish(ctx, chunk)
		}
	}
}

// publish hands chunk to every subscriber. The subscriber lock is not held
// while sending so that a reliable subscriber can be removed while publish
// waits on it.
func (s *SerialMux[T]) publish(ctx context.Context, chunk []byte) {
	s.subscriberMu.Lock()
	ids := make([]string, 0, len(s.subscribers))
	subs := make([]*subscriber, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		ids = append(ids, id)
		subs = append(subs, sub)
	}
	s.subscriberMu.Unlock()

	for i, sub := range subs {
		if !sub.send(ctx, chunk) && !sub.reliable {
			// if the channel is full skip so as not to block the outer loop
			s.dropped.Add(1)
			s.logger.Warn("subscriber not keeping up, chunk dropped", "subscriber", ids[i], "bytes", len(chunk))
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	subs := s.subscribers
	s.subscribers = make(map[string]*subscriber)
	s.subscriberMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for the raw chunks coming
	// from the serial port.
	debug.HandleFunc("tail", "live tail of the raw reader stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				// chunks may hold partial lines and CRLFs, so quote them
				if _, err := fmt.Fprintf(w, "data: %s\n\n", strconv.Quote(string(chunk))); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleFunc("ports", "serial ports present on this host", func(w http.ResponseWriter, r *http.Request) {
		ports, err := ListPorts()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list ports: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, p := range ports {
			fmt.Fprintln(w, p)
		}
	})
}
