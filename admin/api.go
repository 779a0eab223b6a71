// Package admin is the external maintenance surface: inspection of pending
// entries and dead letters, a manual claim escape hatch, and a websocket
// live tail of bus activity.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/opencast/castbus/bus"
	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/observability"
	"github.com/opencast/castbus/store"
)

// API serves the maintenance endpoints for one bus.
type API struct {
	bus  *bus.Bus
	dead store.DeadLetters
	hub  *Hub

	// Storm protection for the inspection endpoints: pending scans hit the
	// log store directly.
	inspectLimiter *rate.Limiter
}

// NewAPI wires the maintenance surface.
func NewAPI(b *bus.Bus, dead store.DeadLetters, hub *Hub) *API {
	return &API{
		bus:  b,
		dead: dead,
		hub:  hub,
		// Allow 20 inspections/sec, burst 40.
		inspectLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Routes registers the maintenance endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/groups/{stream}/{group}/pending", a.handlePending)
	mux.HandleFunc("POST /api/v1/groups/{stream}/{group}/claim", a.handleClaim)
	mux.HandleFunc("GET /api/v1/deadletters", a.handleDeadLetters)
	mux.HandleFunc("GET /ws/activity", a.hub.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type pendingResponse struct {
	Stream  string            `json:"stream"`
	Group   string            `json:"group"`
	Count   int               `json:"count"`
	Entries []pendingEntryDTO `json:"entries"`
}

type pendingEntryDTO struct {
	ID            string `json:"id"`
	Consumer      string `json:"consumer"`
	DeliveryCount int64  `json:"delivery_count"`
	IdleMs        int64  `json:"idle_ms"`
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	if !a.inspectLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("pending").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	stream, group := r.PathValue("stream"), r.PathValue("group")
	entries, err := a.bus.PendingEntries(r.Context(), stream, group, 1024)
	if err != nil {
		if errors.Is(err, logstore.ErrNoGroup) {
			http.Error(w, "unknown stream or group", http.StatusNotFound)
			return
		}
		log.Printf("[admin] pending scan on %s/%s failed: %v", stream, group, err)
		http.Error(w, "pending scan failed", http.StatusInternalServerError)
		return
	}

	resp := pendingResponse{Stream: stream, Group: group, Count: len(entries)}
	resp.Entries = make([]pendingEntryDTO, 0, len(entries))
	for _, p := range entries {
		resp.Entries = append(resp.Entries, pendingEntryDTO{
			ID:            p.ID,
			Consumer:      p.Consumer,
			DeliveryCount: p.DeliveryCount,
			IdleMs:        p.Idle.Milliseconds(),
		})
	}
	writeJSON(w, resp)
}

type claimRequest struct {
	EntryID  string `json:"entry_id"`
	Consumer string `json:"consumer"`
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntryID == "" || req.Consumer == "" {
		http.Error(w, "entry_id and consumer are required", http.StatusBadRequest)
		return
	}

	stream, group := r.PathValue("stream"), r.PathValue("group")
	d, claimed, err := a.bus.Claim(r.Context(), stream, group, req.EntryID, req.Consumer)
	if err != nil {
		log.Printf("[admin] manual claim of %s on %s/%s failed: %v", req.EntryID, stream, group, err)
		http.Error(w, "claim failed", http.StatusInternalServerError)
		return
	}
	if !claimed {
		http.Error(w, "entry not pending or not idle past the visibility timeout", http.StatusConflict)
		return
	}
	log.Printf("[admin] entry %s on %s/%s manually claimed to %s (attempt %d)",
		d.ID, stream, group, req.Consumer, d.DeliveryCount)
	writeJSON(w, map[string]interface{}{
		"entry_id":       d.ID,
		"consumer":       req.Consumer,
		"delivery_count": d.DeliveryCount,
	})
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.dead.List(r.Context(), 200)
	if err != nil {
		log.Printf("[admin] dead letter listing failed: %v", err)
		http.Error(w, "dead letter listing failed", http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []bus.DeadLetter{}
	}
	writeJSON(w, letters)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[admin] response encode failed: %v", err)
	}
}
