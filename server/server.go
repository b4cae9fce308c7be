// Package server exposes the health, statistics and source status of a
// running daemon over HTTP, and emails landlords on request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"rental-hunter/db"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/notify"
	"rental-hunter/scheduler"
)

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = 30 * 24 * time.Hour
	pingTimeout   = 2 * time.Second
	sendTimeout   = 30 * time.Second
	alertTimeout  = 10 * time.Second
)

// Store is the seen-set as seen by the HTTP handlers
type Store interface {
	Ping(ctx context.Context) error
	StatsLast(ctx context.Context, window time.Duration) (db.Stats, error)
	RecentLast(ctx context.Context, window time.Duration, limit int) ([]models.SeenRecord, error)
	Listing(ctx context.Context, id models.Identity) (models.SeenRecord, error)
	MarkContacted(ctx context.Context, id models.Identity, emailTo, subject string) error
}

// Inquirer emails the landlord of a listing
type Inquirer interface {
	Send(ctx context.Context, listing models.Listing) (notify.Inquiry, error)
}

// Alerter reports inquiry outcomes to the user
type Alerter interface {
	Alert(ctx context.Context, title, message string) error
}

// Option configures optional routes
type Option func(*handler)

// WithInquiries enables POST /email/{source}/{id}. alerts may be nil.
func WithInquiries(inquirer Inquirer, alerts Alerter) Option {
	return func(h *handler) {
		h.inquirer = inquirer
		h.alerts = alerts
	}
}

// StatusProvider reports the state of the poll workers
type StatusProvider interface {
	Status() []scheduler.SourceStatus
}

type handler struct {
	store    Store
	status   StatusProvider
	inquirer Inquirer
	alerts   Alerter

	// one inquiry at a time, so a double tap cannot email twice
	inquiryMu sync.Mutex
}

// New creates the HTTP server
func New(addr string, store Store, status StatusProvider, log logger.Logger, opts ...Option) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(store, status, log, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the routes
func NewRouter(store Store, status StatusProvider, log logger.Logger, opts ...Option) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &handler{store: store, status: status}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, loggerMiddleware(log.WithFields(logger.Fields{"component": "http"})), middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/listings/recent", h.recent)
	r.Get("/sources", h.sources)
	if h.inquirer != nil {
		r.Post("/email/{source}/{id}", h.inquire)
	}
	return r
}

func loggerMiddleware(log logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if _, err := uuid.Parse(traceID); err != nil {
				traceID = uuid.NewString()
			}

			reqLog := log.WithFields(logger.Fields{
				"trace_id":    traceID,
				"http_method": r.Method,
				"http_path":   r.URL.Path,
			})
			ctx := logger.WithContext(r.Context(), reqLog)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Debug("request finished", logger.Fields{
				"status_code":   ww.Status(),
				"bytes_written": ww.BytesWritten(),
				"duration_ms":   time.Since(start).Milliseconds(),
			})
		})
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logger.FromContext(r.Context()).Warn("health check failed", logger.Fields{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	WindowHours int `json:"window_hours"`
	db.Stats
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	window, ok := windowParam(w, r)
	if !ok {
		return
	}

	s, err := h.store.StatsLast(r.Context(), window)
	if err != nil {
		internalError(w, r, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{WindowHours: int(window / time.Hour), Stats: s})
}

type recordResponse struct {
	SourceID    string     `json:"source_id"`
	ExternalID  string     `json:"external_id"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	Matched     bool       `json:"matched"`
	Notified    bool       `json:"notified"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	ContactedAt *time.Time `json:"contacted_at,omitempty"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Location    string     `json:"location,omitempty"`
	Price       *float64   `json:"price,omitempty"`
}

func (h *handler) recent(w http.ResponseWriter, r *http.Request) {
	window, ok := windowParam(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	records, err := h.store.RecentLast(r.Context(), window, limit)
	if err != nil {
		internalError(w, r, "failed to load recent listings", err)
		return
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		item := recordResponse{
			SourceID:    rec.Identity.SourceID,
			ExternalID:  rec.Identity.ExternalID,
			FirstSeenAt: rec.FirstSeenAt,
			Matched:     rec.Matched,
			Notified:    rec.Notified,
			NotifiedAt:  rec.NotifiedAt,
			ContactedAt: rec.ContactedAt,
		}
		if d := rec.Details; d != nil {
			item.Title, item.URL, item.Location, item.Price = d.Title, d.URL, d.Location, d.Price
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) sources(w http.ResponseWriter, r *http.Request) {
	statuses := []scheduler.SourceStatus{}
	if h.status != nil {
		statuses = h.status.Status()
	}
	writeJSON(w, http.StatusOK, statuses)
}

type inquiryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// inquire emails the landlord of a stored listing, at most once per listing
func (h *handler) inquire(w http.ResponseWriter, r *http.Request) {
	id := models.Identity{SourceID: chi.URLParam(r, "source"), ExternalID: chi.URLParam(r, "id")}
	ctx := r.Context()
	log := logger.FromContext(ctx).WithFields(logger.Fields{"listing": id.String()})

	h.inquiryMu.Lock()
	defer h.inquiryMu.Unlock()

	rec, err := h.store.Listing(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, inquiryResponse{Error: "listing not found"})
		return
	}
	if err != nil {
		internalError(w, r, "failed to load listing", err)
		return
	}
	if rec.Details == nil {
		writeJSON(w, http.StatusNotFound, inquiryResponse{Error: "listing details not stored"})
		return
	}
	title := rec.Details.Title
	if rec.ContactedAt != nil {
		h.alert(ctx, log, "Already Contacted", "You already sent an inquiry for: "+title)
		writeJSON(w, http.StatusConflict, inquiryResponse{Error: "already contacted"})
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	inq, err := h.inquirer.Send(sendCtx, *rec.Details)
	switch {
	case errors.Is(err, notify.ErrNoContactEmail):
		h.alert(ctx, log, "Cannot Send Email", "No contact email available for: "+title)
		writeJSON(w, http.StatusUnprocessableEntity, inquiryResponse{Error: "no contact email for this listing"})
		return
	case errors.Is(err, notify.ErrRateLimited):
		h.alert(ctx, log, "Rate Limited", "Too many emails sent this hour. Try again later.")
		writeJSON(w, http.StatusTooManyRequests, inquiryResponse{Error: "rate limit reached"})
		return
	case err != nil:
		log.Error("inquiry failed", err, nil)
		h.alert(ctx, log, "Email Failed", "Failed to send inquiry for: "+title)
		writeJSON(w, http.StatusBadGateway, inquiryResponse{Error: "failed to send email"})
		return
	}

	// the email is out; a failed write only loses the trace
	if err := h.store.MarkContacted(context.WithoutCancel(ctx), id, inq.To, inq.Subject); err != nil {
		log.Error("failed to record contact", err, logger.Fields{"to": inq.To})
	}
	log.Info("landlord inquiry sent", logger.Fields{"to": inq.To})
	h.alert(ctx, log, "Email Sent", "Inquiry sent for: "+title)
	writeJSON(w, http.StatusOK, inquiryResponse{Success: true, Message: "Email sent to " + inq.To})
}

func (h *handler) alert(ctx context.Context, log logger.Logger, title, message string) {
	if h.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := h.alerts.Alert(ctx, title, message); err != nil {
		log.Warn("failed to send alert", logger.Fields{"error": err.Error()})
	}
}

// windowParam reads ?hours=N, defaulting to 24
func windowParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return defaultWindow, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > int(maxWindow/time.Hour) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be between 1 and 720"})
		return 0, false
	}
	return time.Duration(hours) * time.Hour, true
}

func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.FromContext(r.Context()).Error(msg, err, nil)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
