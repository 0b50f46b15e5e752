package inventory

import (
	"log/slog"

	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/timeutil"
)

// Decoder consumes the reader's byte stream and raises inventory events.
type Decoder struct {
	tagType    TagType
	state      ScanState
	cycle      uint64
	splitter   FrameSplitter
	registry   *Registry
	dispatcher Dispatcher

	clock  timeutil.Clock
	logger *slog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for diagnostics. Decoding never depends on
// it.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(c timeutil.Clock) Option {
	return func(d *Decoder) {
		if c != nil {
			d.clock = c
		}
	}
}

// NewDecoder creates an idle Decoder for the given tag type. It fails with
// ErrUnknownTagType when t is not a defined TagType.
func NewDecoder(t TagType, opts ...Option) (*Decoder, error) {
	if !t.Valid() {
		return nil, ErrUnknownTagType
	}
	d := &Decoder{
		tagType:  t,
		state:    Idle,
		registry: NewRegistry(),
		clock:    timeutil.RealClock{},
		logger:   monitoring.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("tag_type", t.String())
	return d, nil
}

// TagType returns the tag type the decoder was built for.
func (d *Decoder) TagType() TagType { return d.tagType }

// State returns the current scan state.
func (d *Decoder) State() ScanState { return d.state }

// Cycle returns the number of the most recently started inventory cycle.
func (d *Decoder) Cycle() uint64 { return d.cycle }

// Pending returns the number of tags registered in the cycle in progress.
func (d *Decoder) Pending() int { return d.registry.Len() }

// Buffered returns the number of bytes waiting for a line delimiter.
func (d *Decoder) Buffered() int { return d.splitter.Buffered() }

// Subscribe registers h for all future events.
func (d *Decoder) Subscribe(h Handler) {
	d.dispatcher.Subscribe(h)
}

// Feed processes one raw chunk to completion: every complete line it
// finishes is decoded and all resulting events are delivered before Feed
// returns.
func (d *Decoder) Feed(chunk []byte) {
	for _, line := range d.splitter.Split(chunk) {
		d.HandleLine(line)
	}
}

// HandleLine decodes one complete line.
func (d *Decoder) HandleLine(line string) {
	d.HandleRecord(ParseRecord(line))
}

// HandleRecord applies one parsed record to the scan state and registry.
func (d *Decoder) HandleRecord(rec Record) {
	switch rec.Kind {
	case KindTag:
		d.handleTag(rec)
	case KindEndOfInventory:
		d.handleEndOfInventory(rec)
	default:
		if rec.Raw != "" {
			d.logger.Debug("dropping unrecognised line", "line", rec.Raw)
		}
	}
}

func (d *Decoder) handleTag(rec Record) {
	if rec.Conflict {
		d.logger.Debug("dropping colliding tag record", "line", rec.Raw)
		return
	}

	if !d.tagType.AggregatesCycles() {
		var cycle uint64
		if d.state.IsScanning() {
			cycle = d.cycle
		}
		d.dispatcher.Emit(Event{
			Kind:    EventTagFound,
			TagType: d.tagType,
			TagID:   rec.ID,
			Cycle:   cycle,
			Time:    d.clock.Now(),
		})
		return
	}

	if !d.state.IsScanning() {
		d.logger.Debug("ignoring tag outside inventory cycle", "tag", rec.ID)
		return
	}
	if d.registry.Accept(rec) {
		d.logger.Debug("tag registered", "tag", rec.ID, "slot", rec.Slot, "cycle", d.cycle)
	}
}

func (d *Decoder) handleEndOfInventory(rec Record) {
	if !d.state.IsScanning() {
		d.logger.Debug("ignoring end of inventory while idle", "line", rec.Raw)
		return
	}
	d.state = Idle

	if !d.tagType.AggregatesCycles() {
		return
	}

	tags := d.registry.Finalize()
	now := d.clock.Now()
	d.logger.Debug("inventory complete", "cycle", d.cycle, "tags", len(tags))

	d.dispatcher.Emit(Event{
		Kind:    EventInventoryComplete,
		TagType: d.tagType,
		Tags:    tags,
		Cycle:   d.cycle,
		Time:    now,
	})
	for _, tag := range tags {
		d.dispatcher.Emit(Event{
			Kind:    EventReadTagData,
			TagType: d.tagType,
			TagID:   tag.ID,
			Cycle:   d.cycle,
			Time:    now,
		})
	}
}

// StartScan moves an idle decoder to Scanning and opens a new, empty
// inventory cycle. It reports false and changes nothing when a cycle is
// already in progress.
func (d *Decoder) StartScan() bool {
	if d.state.IsScanning() {
		return false
	}
	d.registry.Clear()
	d.cycle++
	d.state = Scanning
	d.logger.Debug("inventory cycle started", "cycle", d.cycle)
	return true
}

// StopScan aborts the cycle in progress. Tags registered so far are
// discarded and no events are raised for the cycle. It reports whether a
// cycle was aborted.
func (d *Decoder) StopScan() bool {
	if !d.state.IsScanning() {
		return false
	}
	discarded := d.registry.Len()
	d.registry.Clear()
	d.state = Idle
	d.logger.Debug("inventory cycle aborted", "cycle", d.cycle, "discarded", discarded)
	return true
}
