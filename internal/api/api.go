// Package api is the worker's operations HTTP surface: health, engine and
// queue inspection, raw job submission and campaign triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promobot/internal/campaign"
	"promobot/internal/jobs"
	"promobot/internal/model"
	"promobot/internal/queue"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// Campaigns is the orchestrator surface the API triggers.
type Campaigns interface {
	PostNext(ctx context.Context, campaignID, destinationID, creativeID string) (campaign.Outcome, error)
	PostToAllDestinations(ctx context.Context, campaignID string) (campaign.Report, error)
	ScheduleAtIntervals(ctx context.Context, campaignID string, interval time.Duration, totalPosts int) (campaign.Report, error)
	End(ctx context.Context, campaignID string) (campaign.EndResult, error)
}

type Rotation interface {
	Reset(ctx context.Context, campaignID string) error
}

type Engine interface {
	Snapshot() engine.Snapshot
}

type Queue interface {
	queue.Producer
	Stats(ctx context.Context) (queue.Stats, error)
}

type Deps struct {
	Campaigns Campaigns
	Rotation  Rotation
	Engine    Engine
	Queue     Queue
}

type Handler struct {
	deps Deps
	log  logx.Logger
}

func NewHandler(deps Deps, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{deps: deps, log: log.With(logx.String("comp", "api"))}
}

// Router builds the chi router. With profiler set, /debug is mounted too.
func (h *Handler) Router(profiler bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)
	r.Use(middleware.Timeout(30 * time.Second))

	h.RegisterRoutes(r)
	if profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health())
	r.Get("/engine", h.EngineSnapshot())
	r.Get("/queue", h.QueueStats())
	r.Post("/jobs", h.SubmitJob())
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/post-next", h.PostNext())
		r.Post("/post-all", h.PostAll())
		r.Post("/schedule", h.Schedule())
		r.Post("/end", h.End())
		r.Delete("/rotation", h.ResetRotation())
	})
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) EngineSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.deps.Engine.Snapshot())
	}
}

func (h *Handler) QueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := h.deps.Queue.Stats(r.Context())
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type submitRequest struct {
	Type       jobs.Type       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CampaignID string          `json:"campaignId,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	DelayMs    int64           `json:"delayMs,omitempty"`
}

// SubmitJob handles POST /jobs.
func (h *Handler) SubmitJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.DelayMs < 0 {
			writeError(w, http.StatusBadRequest, "delayMs must not be negative")
			return
		}
		job, err := jobs.New(req.Type, req.Payload)
		if err != nil {
			h.fail(w, err)
			return
		}
		job.CampaignID = req.CampaignID
		id, err := h.deps.Queue.Enqueue(r.Context(), job, queue.EnqueueOptions{
			Delay:    time.Duration(req.DelayMs) * time.Millisecond,
			Priority: req.Priority,
		})
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
	}
}

type postNextRequest struct {
	DestinationID string `json:"destinationId,omitempty"`
	CreativeID    string `json:"creativeId,omitempty"`
}

// PostNext handles POST /campaigns/{id}/post-next. The body is optional.
func (h *Handler) PostNext() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postNextRequest
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := h.deps.Campaigns.PostNext(r.Context(), chi.URLParam(r, "id"), req.DestinationID, req.CreativeID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) PostAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := h.deps.Campaigns.PostToAllDestinations(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

type scheduleRequest struct {
	// Interval is a Go duration string such as "30m".
	Interval   string `json:"interval"`
	TotalPosts int    `json:"totalPosts"`
}

func (h *Handler) Schedule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		interval, err := time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid interval %q", req.Interval))
			return
		}
		if req.TotalPosts <= 0 {
			writeError(w, http.StatusBadRequest, "totalPosts must be positive")
			return
		}
		rep, err := h.deps.Campaigns.ScheduleAtIntervals(r.Context(), chi.URLParam(r, "id"), interval, req.TotalPosts)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func (h *Handler) End() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.deps.Campaigns.End(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) ResetRotation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.deps.Rotation.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
			h.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidPayload), errors.Is(err, campaign.ErrNotInCampaign):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrInactive), errors.Is(err, campaign.ErrEmpty):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrClosed), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", logx.Err(err))
	}
	writeError(w, status, err.Error())
}

// decode reads an optional JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
