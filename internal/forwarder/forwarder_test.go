package forwarder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfidgeek/internal/inventory"
)

func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return ln, accepted
}

func TestTCPForwarder_DeliversJSONLines(t *testing.T) {
	ln, accepted := listen(t)

	f, err := Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ln.Addr().String(), f.Addr())

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	defer peer.Close()

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := inventory.Event{
		Kind:    inventory.EventInventoryComplete,
		TagType: inventory.Vicinity,
		Tags:    []inventory.TagEntry{{ID: "0123456789ABCDEF", Order: 0}, {ID: "0123456789ABCDE0", Order: 1}},
		Cycle:   7,
		Time:    when,
	}
	ctx := context.Background()
	require.NoError(t, f.Deliver(ctx, inv))
	// per-tag read requests are not forwarded
	require.NoError(t, f.Deliver(ctx, inventory.Event{Kind: inventory.EventReadTagData, TagID: "0123456789ABCDEF"}))
	require.NoError(t, f.Deliver(ctx, inventory.Event{Kind: inventory.EventTagFound, TagType: inventory.Proximity, TagID: "04A1B2C3", Time: when}))

	r := bufio.NewReader(peer)
	peer.SetReadDeadline(time.Now().Add(time.Second))

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "inventory", got["kind"])
	assert.Equal(t, "ISO15693", got["tag_type"])
	assert.EqualValues(t, 7, got["cycle"])
	tags := got["tags"].([]any)
	require.Len(t, tags, 2)
	assert.Equal(t, "0123456789ABCDE0", tags[1].(map[string]any)["id"])

	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "tagfound", got["kind"])
	assert.Equal(t, "04A1B2C3", got["tag_id"])
}

func TestTCPForwarder_DeliverAfterClose(t *testing.T) {
	ln, _ := listen(t)

	f, err := Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	err = f.Deliver(context.Background(), inventory.Event{Kind: inventory.EventInventoryComplete})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTCPForwarder_WriteTimeoutDropsConnection(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	f := newTCPForwarder(client, "pipe", nil)

	// the peer takes the start of the line and then stops reading
	partial := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := io.ReadFull(peer, buf)
		partial <- buf[:n]
	}()

	e := inventory.Event{
		Kind:  inventory.EventInventoryComplete,
		Cycle: 1,
		Tags:  []inventory.TagEntry{{ID: "0123456789ABCDEF", Order: 0}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := f.Deliver(ctx, e)
	require.Error(t, err)
	assert.Len(t, <-partial, 8)

	// nothing may be appended to the half written line
	assert.ErrorIs(t, f.Deliver(context.Background(), e), ErrNotConnected)
	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, f.Close())
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = DialSink(ctx, addr, nil)
	assert.Error(t, err)
}

func TestForwards(t *testing.T) {
	assert.True(t, Forwards(inventory.EventInventoryComplete))
	assert.True(t, Forwards(inventory.EventTagFound))
	assert.False(t, Forwards(inventory.EventReadTagData))
}
