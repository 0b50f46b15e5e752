// Package testutil provides shared test utilities and fixtures.
//
// It holds reader wire fixtures, an event recorder for inventory events and
// small HTTP helpers used by the API tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/rfidgeek/internal/inventory"
)

// Reader lines as emitted by the reader during an ISO15693 inventory.
const (
	TagLine        = "[0123456789ABCDEF,10]"
	SecondTagLine  = "[0123456789ABCDE0,11]"
	ConflictLine   = "[0123456789ABCDE0,z]"
	EndOfInventory = "[,40]D"
	TagID          = "0123456789ABCDEF"
	SecondTagID    = "0123456789ABCDE0"
	lineTerminator = "\r\n"
)

// Wire joins lines into the byte stream the reader would send, with every
// line CRLF terminated.
func Wire(lines ...string) []byte {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(lineTerminator)
	}
	return []byte(b.String())
}

// Recorder is an inventory.Handler that keeps every event it receives.
// It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []inventory.Event
}

// HandleEvent records e.
func (r *Recorder) HandleEvent(e inventory.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []inventory.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inventory.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []inventory.EventKind {
	var kinds []inventory.EventKind
	for _, e := range r.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// OfKind returns the recorded events of kind k in order.
func (r *Recorder) OfKind(k inventory.EventKind) []inventory.Event {
	var out []inventory.Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// TagIDs returns the TagID of every recorded event of kind k.
func (r *Recorder) TagIDs(k inventory.EventKind) []string {
	var ids []string
	for _, e := range r.OfKind(k) {
		ids = append(ids, e.TagID)
	}
	return ids
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
