package inventory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventKind(t *testing.T) {
	for _, k := range []EventKind{EventTagFound, EventInventoryComplete, EventReadTagData} {
		got, err := ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseEventKind(" ReadTagData ")
	require.NoError(t, err)
	assert.Equal(t, EventReadTagData, got)

	_, err = ParseEventKind("unknown")
	assert.Error(t, err)
}

func TestEvent_JSON(t *testing.T) {
	e := Event{
		Kind:    EventReadTagData,
		TagType: Vicinity,
		TagID:   "0123456789ABCDEF",
		Cycle:   4,
		Time:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"readtagdata","tag_type":"ISO15693","tag_id":"0123456789ABCDEF","cycle":4,"time":"2025-06-01T12:00:00Z"}`,
		string(b))
}

func TestDispatcher_DeliversInSubscriptionOrder(t *testing.T) {
	var d Dispatcher
	var order []string
	d.Subscribe(HandlerFunc(func(Event) { order = append(order, "first") }))
	d.Subscribe(HandlerFunc(func(Event) { order = append(order, "second") }))

	d.Emit(Event{Kind: EventTagFound})
	assert.Equal(t, []string{"first", "second"}, order)
}
