package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"device-pipeline/internal/event"
	"device-pipeline/internal/ingest"
	"device-pipeline/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const maxBodyBytes = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, body []byte, meta ingest.Meta) (ingest.Receipt, error)
}

type StatsReader interface {
	ListAggregates(ctx context.Context, f store.Filter, limit int, cursor *store.Cursor) (store.Page, error)
}

type Server struct {
	ingest Ingester
	stats  StatsReader
	// Optional, installed ahead of the routes.
	Middleware []func(http.Handler) http.Handler
	Metrics    http.Handler
}

func New(ing Ingester, stats StatsReader) *Server {
	return &Server{ingest: ing, stats: stats}
}

type aggregateDTO struct {
	Date      string `json:"date"`
	TypeState string `json:"type_state"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Count     int64  `json:"count"`
}

type statsResponse struct {
	Date       string         `json:"date,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Type       string         `json:"type,omitempty"`
	Stats      []aggregateDTO `json:"stats"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	for _, mw := range s.Middleware {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}
	r.Post("/ingest", s.handleIngest)
	r.Get("/stats", s.handleStats)
	r.Get("/stats-html", s.handleStatsHTML)
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	rcpt, err := s.ingest.Ingest(r.Context(), body, ingest.Meta{CorrID: chimw.GetReqID(r.Context())})
	if err != nil {
		var verr *event.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, event.ErrStorageUnavailable):
			slog.Error("ingest raw store failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not store event")
		case errors.Is(err, event.ErrQueueUnavailable):
			slog.Error("ingest enqueue failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not enqueue event")
		default:
			slog.Error("ingest failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, status, msg := s.queryStats(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

var statsTable = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Device event stats</title></head>
<body>
<table border="1">
<thead><tr><th>Date</th><th>Type</th><th>State</th><th>Count</th></tr></thead>
<tbody>
{{- range .Stats}}
<tr><td>{{.Date}}</td><td>{{.Type}}</td><td>{{.State}}</td><td>{{.Count}}</td></tr>
{{- else}}
<tr><td colspan="4">No data</td></tr>
{{- end}}
</tbody>
</table>
{{- with .NextQuery}}
<p><a href="{{.}}">Next page</a></p>
{{- end}}
</body>
</html>
`))

func (s *Server) handleStatsHTML(w http.ResponseWriter, r *http.Request) {
	resp, status, msg := s.queryStats(r)
	if status != http.StatusOK {
		http.Error(w, msg, status)
		return
	}
	view := struct {
		statsResponse
		NextQuery template.URL
	}{statsResponse: resp}
	if resp.NextCursor != "" {
		next := r.URL.Query()
		next.Set("cursor", resp.NextCursor)
		// Already encoded; html/template would escape it again.
		view.NextQuery = template.URL("?" + next.Encode())
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := statsTable.Execute(w, view); err != nil {
		slog.Error("stats table render failed", "error", err)
	}
}

// queryStats is the read path shared by the JSON and HTML views.
func (s *Server) queryStats(r *http.Request) (statsResponse, int, string) {
	q := r.URL.Query()
	var resp statsResponse
	var f store.Filter

	for _, p := range []struct {
		name string
		dst  *string
	}{{"date", &resp.Date}, {"from", &resp.From}, {"to", &resp.To}} {
		v := strings.TrimSpace(q.Get(p.name))
		if v == "" {
			continue
		}
		d, err := event.ParseDate(v)
		if err != nil {
			return resp, http.StatusBadRequest, "invalid " + p.name + ": expected YYYY-MM-DD"
		}
		*p.dst = d
	}
	f.From, f.To = resp.From, resp.To
	if resp.Date != "" {
		f.From, f.To = resp.Date, resp.Date
	}
	resp.Type = strings.TrimSpace(q.Get("type"))
	f.Type = resp.Type

	limit := 1000
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return resp, http.StatusBadRequest, "invalid limit"
		}
		limit = n
	}

	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		return resp, http.StatusBadRequest, "invalid cursor"
	}

	page, err := s.stats.ListAggregates(r.Context(), f, limit, cursor)
	if err != nil {
		slog.Error("stats query failed", "filter", f, "error", err)
		return resp, http.StatusInternalServerError, "could not query stats"
	}

	resp.Stats = make([]aggregateDTO, 0, len(page.Records))
	for _, rec := range page.Records {
		typ, state := event.SplitTypeState(rec.TypeState)
		resp.Stats = append(resp.Stats, aggregateDTO{
			Date:      rec.Date,
			TypeState: rec.TypeState,
			Type:      typ,
			State:     state,
			Count:     rec.Count,
		})
	}
	resp.NextCursor = page.NextCursor
	return resp, http.StatusOK, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
