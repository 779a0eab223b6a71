package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencast/castbus/bus"
	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/store"
)

func testServer(t *testing.T) (*httptest.Server, *bus.Bus, *logstore.Memory, *store.Memory) {
	t.Helper()
	ls := logstore.NewMemory()
	b := bus.New(ls, bus.Options{VisibilityTimeout: 30 * time.Millisecond})
	dead := store.NewMemory()

	mux := http.NewServeMux()
	NewAPI(b, dead, NewHub()).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, b, ls, dead
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}
}

func TestPendingListing(t *testing.T) {
	srv, b, ls, _ := testServer(t)
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "s", "g", logstore.StartBeginning); err != nil {
		t.Fatal(err)
	}
	id, _ := b.Publish(ctx, "s", []byte("x"))
	if _, err := ls.ReadNew(ctx, "s", "g", "c1", 10, 0); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/groups/s/g/pending")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending returned %d", resp.StatusCode)
	}
	var body struct {
		Stream  string `json:"stream"`
		Group   string `json:"group"`
		Count   int    `json:"count"`
		Entries []struct {
			ID            string `json:"id"`
			Consumer      string `json:"consumer"`
			DeliveryCount int64  `json:"delivery_count"`
			IdleMs        int64  `json:"idle_ms"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Entries) != 1 {
		t.Fatalf("expected one pending entry, got %+v", body)
	}
	e := body.Entries[0]
	if e.ID != id || e.Consumer != "c1" || e.DeliveryCount != 1 {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestPendingUnknownGroupIs404(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/groups/nosuch/nogroup/pending")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestManualClaim(t *testing.T) {
	srv, b, ls, _ := testServer(t)
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "s", "g", logstore.StartBeginning); err != nil {
		t.Fatal(err)
	}
	id, _ := b.Publish(ctx, "s", []byte("x"))
	if _, err := ls.ReadNew(ctx, "s", "g", "c1", 10, 0); err != nil {
		t.Fatal(err)
	}

	claim := func() *http.Response {
		body, _ := json.Marshal(map[string]string{"entry_id": id, "consumer": "operator"})
		resp, err := http.Post(srv.URL+"/api/v1/groups/s/g/claim", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	// Inside the visibility window the claim must be refused.
	early := claim()
	early.Body.Close()
	if early.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 inside the visibility window, got %d", early.StatusCode)
	}

	time.Sleep(50 * time.Millisecond)
	late := claim()
	defer late.Body.Close()
	if late.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after the visibility timeout, got %d", late.StatusCode)
	}
	var out struct {
		EntryID       string `json:"entry_id"`
		Consumer      string `json:"consumer"`
		DeliveryCount int64  `json:"delivery_count"`
	}
	if err := json.NewDecoder(late.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.EntryID != id || out.Consumer != "operator" || out.DeliveryCount != 2 {
		t.Fatalf("unexpected claim result %+v", out)
	}
}

func TestClaimRequiresBody(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/groups/s/g/claim", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeadLetterListing(t *testing.T) {
	srv, _, _, dead := testServer(t)
	ctx := context.Background()

	if err := dead.Report(ctx, bus.DeadLetter{Stream: "s", Group: "g", EntryID: "9-0", DeliveryCount: 5}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/deadletters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var letters []bus.DeadLetter
	if err := json.NewDecoder(resp.Body).Decode(&letters); err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].EntryID != "9-0" {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
}

func TestDeadLetterListingEmptyIsArray(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/deadletters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var letters []bus.DeadLetter
	if err := json.NewDecoder(resp.Body).Decode(&letters); err != nil {
		t.Fatal(err)
	}
	if letters == nil {
		t.Fatal("empty listing must encode as [] not null")
	}
}
