package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmerrifield20/agritrace/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubTraceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req client.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		switch req.BatchID {
		case "":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid batch_id: is required","field":"batch_id"}`))
			return
		case "db-down":
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"storage unavailable, retry later"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "0192a3b4-0000-7000-8000-000000000001",
			"batch_id":        req.BatchID,
			"seq":             0,
			"event_type":      req.EventType,
			"event_data":      req.EventData,
			"prev_hash":       "GENESIS",
			"current_hash":    strings.Repeat("a", 64),
			"on_chain_status": "PENDING",
		})
	})

	mux.HandleFunc("/api/v1/events/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/events/")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"trace event not found"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": id, "batch_id": "B-1"})
	})

	mux.HandleFunc("/api/v1/batches/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/batches/")
		parts := strings.Split(rest, "/")
		batch, leaf := parts[0], parts[len(parts)-1]
		switch leaf {
		case "history":
			json.NewEncoder(w).Encode(map[string]any{
				"batch_id": batch,
				"events": []map[string]any{
					{"id": "e1", "prev_hash": "GENESIS", "current_hash": "h1"},
					{"id": "e2", "prev_hash": "h1", "current_hash": "h2"},
				},
				"count":        2,
				"verification": map[string]any{"valid": true, "message": "ok", "event_count": 2},
			})
		case "verify":
			json.NewEncoder(w).Encode(map[string]any{
				"valid": false, "message": "content does not match", "event_count": 3,
				"breaking_event_id": "e2", "breaking_index": 1, "failure": "hash_mismatch",
			})
		case "anchors":
			json.NewEncoder(w).Encode(map[string]any{
				"batch_id": batch,
				"anchors": []map[string]any{
					{"batch_id": batch, "event_type": "HARVESTED", "commitment": "c1", "tx_hash": "0xabc"},
				},
				"count":             1,
				"anchoring_enabled": true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestAppendEvent(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	ev, err := c.AppendEvent(context.Background(), client.AppendRequest{
		BatchID: "B-1", ActorID: "farmer", ActorRole: "GROWER", EventType: "HARVESTED",
		EventData: map[string]any{"quantity_kg": 10},
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ev.PrevHash != "GENESIS" || ev.OnChainStatus != "PENDING" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestAppendEvent_validationError(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.AppendEvent(context.Background(), client.AppendRequest{EventType: "HARVESTED"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Field != "batch_id" {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Error("validation errors are not temporary")
	}
}

func TestAppendEvent_temporary(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.AppendEvent(context.Background(), client.AppendRequest{BatchID: "db-down"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || !apiErr.Temporary() {
		t.Fatalf("expected temporary APIError, got %v", err)
	}
}

func TestEvent_notFound(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	if _, err := c.Event(context.Background(), "missing"); !client.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	ev, err := c.Event(context.Background(), "e1")
	if err != nil || ev.ID != "e1" {
		t.Fatalf("Event(e1) = %+v, %v", ev, err)
	}
}

func TestHistory(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL + "/")

	h, err := c.History(context.Background(), "B-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.Count != 2 || len(h.Events) != 2 || !h.Verification.Valid {
		t.Errorf("unexpected history %+v", h)
	}
	if h.Events[1].PrevHash != h.Events[0].CurrentHash {
		t.Error("events not linked")
	}
}

func TestVerify_broken(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	v, err := c.Verify(context.Background(), "B-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Valid || v.BreakingIndex == nil || *v.BreakingIndex != 1 || v.Failure != "hash_mismatch" {
		t.Errorf("unexpected verification %+v", v)
	}
}

func TestAnchors(t *testing.T) {
	srv := stubTraceServer(t)
	c := client.MustNew(srv.URL)

	a, err := c.Anchors(context.Background(), "B 7")
	if err != nil {
		t.Fatalf("Anchors: %v", err)
	}
	if !a.AnchoringEnabled || a.Count != 1 || a.Anchors[0].TxHash != "0xabc" {
		t.Errorf("unexpected anchors %+v", a)
	}
	if a.BatchID != "B 7" {
		t.Errorf("batch id = %q, want escaped round trip", a.BatchID)
	}
}

func TestNew_options(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
	if _, err := client.New("http://x", client.WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"valid":true,"message":"no events found for batch","event_count":0}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("tok"), client.WithHTTPClient(srv.Client()))
	if _, err := c.Verify(context.Background(), "B-1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}
