package testutil

import (
	"net/http"
	"testing"

	"github.com/banshee-data/rfidgeek/internal/inventory"
)

func TestWire_TerminatesEveryLine(t *testing.T) {
	got := string(Wire(TagLine, EndOfInventory))
	want := "[0123456789ABCDEF,10]\r\n[,40]D\r\n"
	if got != want {
		t.Errorf("Wire() = %q, want %q", got, want)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.HandleEvent(inventory.Event{Kind: inventory.EventInventoryComplete})
	r.HandleEvent(inventory.Event{Kind: inventory.EventReadTagData, TagID: "A"})
	r.HandleEvent(inventory.Event{Kind: inventory.EventReadTagData, TagID: "B"})

	if got := len(r.Events()); got != 3 {
		t.Fatalf("len(Events()) = %d, want 3", got)
	}
	ids := r.TagIDs(inventory.EventReadTagData)
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("TagIDs() = %v, want [A B]", ids)
	}
	kinds := r.Kinds()
	if kinds[0] != inventory.EventInventoryComplete {
		t.Errorf("Kinds()[0] = %v, want inventory", kinds[0])
	}

	r.Reset()
	if got := len(r.Events()); got != 0 {
		t.Errorf("len(Events()) after Reset = %d, want 0", got)
	}
}

func TestAssertStatusCode_Matching(t *testing.T) {
	fakeT := &testing.T{}
	AssertStatusCode(fakeT, http.StatusOK, http.StatusOK)
	if fakeT.Failed() {
		t.Error("expected no failure for matching status codes")
	}
}

func TestNewTestRequest_MethodAndPath(t *testing.T) {
	req := NewTestRequest(http.MethodPost, "/api/scan/start")
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if req.URL.Path != "/api/scan/start" {
		t.Errorf("path = %s, want /api/scan/start", req.URL.Path)
	}
}
