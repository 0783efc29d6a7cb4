package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/uniassist/timeline/admission"
	"github.com/uniassist/timeline/fanout"
	"github.com/uniassist/timeline/replay"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/timeline"
)

const (
	// maxIngestBody bounds a single ingested event body.
	maxIngestBody = 1 << 20
	// defaultPageLimit pages timeline reads.
	defaultPageLimit = 50
	// maxPageLimit caps an explicit ?limit=.
	maxPageLimit = 500
)

type (
	handlerOptions struct {
		admission *admission.Service
		replay    *replay.Service
		events    store.EventStore
		hub       *fanout.Hub
		pingers   []health.Pinger
		logger    telemetry.Logger
	}

	handlers struct {
		admission *admission.Service
		replay    *replay.Service
		events    store.EventStore
		hub       *fanout.Hub
		logger    telemetry.Logger
	}
)

// newHTTPHandler builds the daemon's HTTP surface: ingest, SSE and JSON
// timeline reads per session, an admin replay endpoint and the health
// endpoints over the database and broker pingers.
func newHTTPHandler(logCtx context.Context, opts handlerOptions) http.Handler {
	h := &handlers{
		admission: opts.admission,
		replay:    opts.replay,
		events:    opts.events,
		hub:       opts.hub,
		logger:    opts.logger,
	}

	r := chi.NewRouter()
	r.Use(log.HTTP(logCtx))

	r.Route("/v0/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/events", h.ingest)
		r.Get("/events", h.subscribe)
		r.Get("/timeline", h.timeline)
	})
	r.Post("/v0/admin/replay", h.adminReplay)

	r.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(opts.pingers...)))
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

// ingest admits one raw provider event into the session timeline.
func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	res, err := h.admission.AdmitRaw(r.Context(), sessionID, body)
	if err != nil {
		var verr *timeline.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "validation failed",
				"violations": verr.Violations,
			})
		case errors.Is(err, store.ErrPayloadConflict):
			writeError(w, http.StatusConflict, "event_id already admitted with a different payload")
		default:
			h.logger.Error(r.Context(), "admit event", "session_id", sessionID, "err", err)
			writeError(w, http.StatusInternalServerError, "admission failed")
		}
		return
	}

	status := http.StatusCreated
	if !res.Admitted {
		// Idempotent retry of an event already on the timeline.
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"session_id": sessionID,
		"seq":        res.Seq,
		"admitted":   res.Admitted,
	})
}

// subscribe streams session events over SSE. ?after_seq= replays the stored
// tail before attaching to the live feed; the seq high-water mark keeps the
// handoff duplicate-free.
func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	afterSeq, err := parseUintParam(r, "after_seq", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the catch-up read so no event falls between them.
	live, cancel := h.hub.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	highWater := afterSeq
	for {
		events, err := h.events.Read(r.Context(), sessionID, highWater, defaultPageLimit)
		if err != nil {
			h.logger.Error(r.Context(), "catch-up read", "session_id", sessionID, "err", err)
			return
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if !writeSSE(w, flusher, ev) {
				return
			}
			highWater = ev.Seq
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-live:
			if !ok {
				// Dropped as a slow subscriber or the hub closed.
				return
			}
			if env.Event.Seq <= highWater {
				continue
			}
			ev := env.Event
			if !writeSSE(w, flusher, &ev) {
				return
			}
			highWater = ev.Seq
		}
	}
}

// timeline returns one JSON page of session events.
func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	afterSeq, err := parseUintParam(r, "after_seq", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseUintParam(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxPageLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be in [1,%d]", maxPageLimit))
		return
	}

	events, err := h.events.Read(r.Context(), sessionID, afterSeq, int(limit))
	if err != nil {
		h.logger.Error(r.Context(), "timeline read", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "timeline read failed")
		return
	}
	next := afterSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
		"next_seq":   next,
	})
}

// adminReplay exposes dead-letter replay to operators that cannot reach the
// CLI; semantics match timeline-replay exactly.
func (h *handlers) adminReplay(w http.ResponseWriter, r *http.Request) {
	var params replay.Params
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	report, err := h.replay.Replay(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReplaySelector),
			errors.Is(err, store.ErrReplayLimit),
			errors.Is(err, store.ErrReplayToken):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error(r.Context(), "admin replay", "err", err)
			writeError(w, http.StatusInternalServerError, "replay failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *timeline.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: timeline_event\ndata: %s\n\n", ev.Seq, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseUintParam(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
