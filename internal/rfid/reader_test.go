package rfid_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfidgeek/internal/forwarder"
	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/rfid"
	"github.com/banshee-data/rfidgeek/internal/serialmux"
	"github.com/banshee-data/rfidgeek/internal/testutil"
	"github.com/banshee-data/rfidgeek/internal/timeutil"
)

const waitFor = time.Second

func portFactory(port *serialmux.TestableSerialPort) rfid.MuxFactory {
	return func(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
		return serialmux.NewSerialMux(port), nil
	}
}

func newReader(t *testing.T, cfg rfid.Config, opts ...rfid.Option) (*rfid.Reader, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	base := []rfid.Option{
		rfid.WithMuxFactory(portFactory(port)),
		rfid.WithLogger(monitoring.Discard()),
	}
	r, err := rfid.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, port
}

func initReader(t *testing.T, cfg rfid.Config, opts ...rfid.Option) (*rfid.Reader, *serialmux.TestableSerialPort) {
	t.Helper()
	r, port := newReader(t, cfg, opts...)
	require.NoError(t, r.Init(context.Background()))
	return r, port
}

func vicinity() rfid.Config {
	cfg := rfid.DefaultConfig()
	cfg.TagType = "vicinity"
	return cfg
}

func next(t *testing.T, ch <-chan inventory.Event) inventory.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
	}
	return inventory.Event{}
}

func quiet(t *testing.T, ch <-chan inventory.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected %s event: %+v", e.Kind, e)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []inventory.Event
	closed bool
}

func (s *recordingSink) Deliver(_ context.Context, e inventory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([]inventory.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Event(nil), s.events...), s.closed
}

func TestNew_RejectsUnknownTagType(t *testing.T) {
	cfg := rfid.DefaultConfig()
	cfg.TagType = "ISO18000"
	_, err := rfid.New(cfg)
	assert.ErrorIs(t, err, inventory.ErrUnknownTagType)
}

func TestNew_DefaultsToProximity(t *testing.T) {
	r, _ := newReader(t, rfid.DefaultConfig())
	assert.Equal(t, inventory.Proximity, r.TagType())
	assert.Equal(t, inventory.Idle, r.State())
	assert.Nil(t, r.Mux())
}

func TestReader_RequiresInit(t *testing.T) {
	r, _ := newReader(t, vicinity())

	_, err := r.StartScan()
	assert.ErrorIs(t, err, rfid.ErrNotInitialized)
	_, err = r.StopScan()
	assert.ErrorIs(t, err, rfid.ErrNotInitialized)
}

func TestReader_InitTwice(t *testing.T) {
	r, _ := initReader(t, vicinity())
	assert.ErrorIs(t, r.Init(context.Background()), rfid.ErrAlreadyInitialized)
	assert.NotNil(t, r.Mux())
}

func TestReader_Closed(t *testing.T) {
	r, _ := initReader(t, vicinity())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Init(context.Background()), rfid.ErrClosed)
	_, err := r.StartScan()
	assert.ErrorIs(t, err, rfid.ErrClosed)

	_, ch := r.Subscribe()
	_, ok := <-ch
	assert.False(t, ok, "subscribing to a closed reader yields a closed channel")
}

func TestReader_InitSendsSetupCommands(t *testing.T) {
	cfg := vicinity()
	cfg.InitCommands = []string{"0108000304FF0000", "010C00030410002101000000"}
	_, port := initReader(t, cfg)

	assert.Equal(t, "0108000304FF0000\n010C00030410002101000000\n", string(port.GetWrittenData()))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReader_InitLogsSerialSettings(t *testing.T) {
	var out syncBuffer
	cfg := vicinity()
	cfg.Serial = serialmux.PortOptions{BaudRate: 57600, Parity: "E"}
	initReader(t, cfg, rfid.WithLogger(slog.New(slog.NewTextHandler(&out, nil))))

	assert.Contains(t, out.String(), `serial="57600 8E1"`)
}

func TestReader_InitFailures(t *testing.T) {
	t.Run("transport", func(t *testing.T) {
		boom := errors.New("no such device")
		r, err := rfid.New(vicinity(),
			rfid.WithLogger(monitoring.Discard()),
			rfid.WithMuxFactory(func(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
				return nil, boom
			}),
		)
		require.NoError(t, err)
		err = r.Init(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), rfid.DefaultPortName)
	})

	t.Run("forwarder", func(t *testing.T) {
		cfg := vicinity()
		cfg.TCPSocket = true
		port := serialmux.NewTestableSerialPort()
		r, err := rfid.New(cfg,
			rfid.WithLogger(monitoring.Discard()),
			rfid.WithMuxFactory(portFactory(port)),
			rfid.WithDialer(func(context.Context, string, *slog.Logger) (forwarder.Sink, error) {
				return nil, errors.New("connection refused")
			}),
		)
		require.NoError(t, err)
		assert.Error(t, r.Init(context.Background()))
		assert.True(t, port.Closed, "transport must be released when the forwarder fails")
	})

	t.Run("setup command", func(t *testing.T) {
		r, port := newReader(t, vicinity())
		port.WriteError = errors.New("write failed")
		assert.Error(t, r.Init(context.Background()))
		assert.True(t, port.Closed)
		assert.Nil(t, r.Mux())
	})
}

func TestReader_VicinityInventory(t *testing.T) {
	r, port := initReader(t, vicinity())
	_, events := r.Subscribe()

	started, err := r.StartScan()
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, inventory.Scanning, r.State())
	assert.True(t, strings.HasSuffix(string(port.GetWrittenData()), "010B000304142401000000\n"))

	port.AddReadData(testutil.Wire(testutil.TagLine, testutil.SecondTagLine, testutil.EndOfInventory))

	inv := next(t, events)
	require.Equal(t, inventory.EventInventoryComplete, inv.Kind)
	want := []inventory.TagEntry{{ID: testutil.TagID, Order: 0}, {ID: testutil.SecondTagID, Order: 1}}
	if diff := cmp.Diff(want, inv.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	assert.EqualValues(t, 1, inv.Cycle)

	for _, id := range []string{testutil.TagID, testutil.SecondTagID} {
		e := next(t, events)
		assert.Equal(t, inventory.EventReadTagData, e.Kind)
		assert.Equal(t, id, e.TagID)
	}
	quiet(t, events)

	assert.Equal(t, inventory.Idle, r.State())
	last, ok := r.LastInventory()
	require.True(t, ok)
	assert.Equal(t, inv.Tags, last.Tags)
}

func TestReader_LinesSplitAcrossChunks(t *testing.T) {
	r, port := initReader(t, vicinity())
	_, events := r.Subscribe(inventory.EventReadTagData)

	_, err := r.StartScan()
	require.NoError(t, err)

	wire := testutil.Wire(testutil.TagLine, testutil.EndOfInventory)
	for _, part := range [][]byte{wire[:5], wire[5:14], wire[14:]} {
		port.AddReadData(part)
	}

	e := next(t, events)
	assert.Equal(t, testutil.TagID, e.TagID)
	quiet(t, events)
}

func TestReader_StartScanWhileScanning(t *testing.T) {
	r, port := initReader(t, vicinity())

	started, err := r.StartScan()
	require.NoError(t, err)
	require.True(t, started)
	written := len(port.GetWrittenData())

	started, err = r.StartScan()
	require.NoError(t, err)
	assert.False(t, started)
	assert.Len(t, port.GetWrittenData(), written, "no second inventory command")
}

func TestReader_StopScanDiscardsCycle(t *testing.T) {
	cfg := vicinity()
	cfg.StopCommand = "0108000304FF0000"
	r, port := initReader(t, cfg)
	_, events := r.Subscribe()

	_, err := r.StartScan()
	require.NoError(t, err)
	port.AddReadData(testutil.Wire(testutil.TagLine))

	stopped, err := r.StopScan()
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, inventory.Idle, r.State())
	assert.True(t, strings.HasSuffix(string(port.GetWrittenData()), "0108000304FF0000\n"))

	port.AddReadData(testutil.Wire(testutil.EndOfInventory))
	quiet(t, events)

	_, ok := r.LastInventory()
	assert.False(t, ok)

	stopped, err = r.StopScan()
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestReader_StartScanWriteFailure(t *testing.T) {
	r, port := initReader(t, vicinity())
	port.WriteError = errors.New("device gone")

	started, err := r.StartScan()
	assert.Error(t, err)
	assert.False(t, started)
	assert.Equal(t, inventory.Idle, r.State())
}

func TestReader_ProximityTagFound(t *testing.T) {
	r, port := initReader(t, rfid.DefaultConfig())
	_, events := r.Subscribe()

	port.AddReadData(testutil.Wire(testutil.TagLine))

	e := next(t, events)
	assert.Equal(t, inventory.EventTagFound, e.Kind)
	assert.Equal(t, testutil.TagID, e.TagID)
	assert.Equal(t, inventory.Proximity, e.TagType)
	quiet(t, events)
}

func TestReader_SubscribeFiltersKinds(t *testing.T) {
	r, port := initReader(t, vicinity())
	_, all := r.Subscribe()
	id, inv := r.Subscribe(inventory.EventInventoryComplete)

	_, err := r.StartScan()
	require.NoError(t, err)
	port.AddReadData(testutil.Wire(testutil.TagLine, testutil.EndOfInventory))

	assert.Equal(t, inventory.EventInventoryComplete, next(t, inv).Kind)
	quiet(t, inv)
	assert.Equal(t, inventory.EventInventoryComplete, next(t, all).Kind)
	assert.Equal(t, inventory.EventReadTagData, next(t, all).Kind)

	r.Unsubscribe(id)
	_, ok := <-inv
	assert.False(t, ok)
}

func TestReader_ScanTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := vicinity()
	cfg.ScanTimeout = "3s"
	r, port := initReader(t, cfg, rfid.WithClock(clock))
	_, events := r.Subscribe()

	_, err := r.StartScan()
	require.NoError(t, err)
	require.Equal(t, 1, clock.Timers())

	clock.Advance(2 * time.Second)
	assert.Equal(t, inventory.Scanning, r.State())
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return r.State().IsIdle() }, waitFor, 5*time.Millisecond)
	quiet(t, events)

	// a fresh cycle still works after the watchdog fired
	_, err = r.StartScan()
	require.NoError(t, err)
	port.AddReadData(testutil.Wire(testutil.SecondTagLine, testutil.EndOfInventory))
	inv := next(t, events)
	assert.EqualValues(t, 2, inv.Cycle)
	assert.Equal(t, []inventory.TagEntry{{ID: testutil.SecondTagID, Order: 0}}, inv.Tags)
}

func TestReader_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	cfg := vicinity()
	cfg.TCPSocket = true
	var dialled string
	r, port := initReader(t, cfg, rfid.WithDialer(func(_ context.Context, addr string, _ *slog.Logger) (forwarder.Sink, error) {
		dialled = addr
		return sink, nil
	}))
	assert.Equal(t, rfid.DefaultTCPAddr, dialled)
	_, events := r.Subscribe(inventory.EventReadTagData)

	_, err := r.StartScan()
	require.NoError(t, err)
	port.AddReadData(testutil.Wire(testutil.TagLine, testutil.EndOfInventory))
	next(t, events)

	delivered, _ := sink.snapshot()
	require.Len(t, delivered, 1)
	assert.Equal(t, inventory.EventInventoryComplete, delivered[0].Kind)

	require.NoError(t, r.Close())
	_, closed := sink.snapshot()
	assert.True(t, closed)
}
