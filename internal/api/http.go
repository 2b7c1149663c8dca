package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/diagnose"
	"github.com/kalambet/obdbot/internal/refdata"
	"github.com/kalambet/obdbot/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB

const maxAlternatives = 10

// AppSource hands out the initialized App. *app.Gate implements it.
type AppSource interface {
	Wait(ctx context.Context) (*app.App, error)
	Ready() bool
	Err() error
}

// NewHandler returns the HTTP API. Requests under /v1 wait for
// initialization, bounded by their context and by requestTimeout when it is
// positive.
func NewHandler(src AppSource, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(src))

	r.Route("/v1", func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(timeout(requestTimeout))
		}
		r.Post("/resolve", withApp(src, handleResolve))
		r.Get("/codes", withApp(src, handleListCodes))
		r.Get("/codes/random", withApp(src, handleRandomCode))
		r.Get("/codes/{code}", withApp(src, handleGetCode))
	})

	return r
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		slog.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type appHandlerFunc func(w http.ResponseWriter, r *http.Request, a *app.App)

func withApp(src AppSource, fn appHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := src.Wait(r.Context())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				httpError(w, http.StatusServiceUnavailable, "unavailable_error", "still initializing")
				return
			}
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "initialization failed: %v", err)
			return
		}
		fn(w, r, a)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Codes      int    `json:"codes,omitempty"`
	Complaints int    `json:"complaints,omitempty"`
	Model      string `json:"model,omitempty"`
	Dim        int    `json:"dim,omitempty"`
	Cached     *int   `json:"cached_vectors,omitempty"`
}

func handleReady(src AppSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !src.Ready() {
			resp := ReadyResponse{Status: "starting"}
			if err := src.Err(); err != nil {
				resp = ReadyResponse{Status: "failed", Error: err.Error()}
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		a, err := src.Wait(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "failed", Error: err.Error()})
			return
		}
		resp := ReadyResponse{
			Status:     "ready",
			Codes:      a.Store.Len(),
			Complaints: a.Matcher.Len(),
			Model:      a.Embedder.Model(),
			Dim:        a.Matcher.Dim(),
		}
		if n, ok := a.CachedVectors(r.Context()); ok {
			resp.Cached = &n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ResolveRequest is the body of POST /v1/resolve.
type ResolveRequest struct {
	Text string `json:"text"`
	// Alternatives asks for the best N complaint matches besides the winner.
	Alternatives int `json:"alternatives,omitempty"`
}

// MatchView is a complaint match as rendered over the API.
type MatchView struct {
	Index      int               `json:"index"`
	Complaint  refdata.Complaint `json:"complaint"`
	Score      float32           `json:"score"`
	Confidence float32           `json:"confidence"`
	Confident  bool              `json:"confident"`
}

// ResolveResponse is the result of POST /v1/resolve.
type ResolveResponse struct {
	Kind         string             `json:"kind"`
	Query        string             `json:"query"`
	Reply        string             `json:"reply"`
	Code         *refdata.CodeEntry `json:"code,omitempty"`
	Match        *MatchView         `json:"match,omitempty"`
	Alternatives []MatchView        `json:"alternatives,omitempty"`
}

func matchView(f diagnose.Formatter, m retrieval.Match) MatchView {
	return MatchView{
		Index:      m.Index,
		Complaint:  m.Complaint,
		Score:      m.Score,
		Confidence: m.Confidence(),
		Confident:  f.IsConfident(m.Confidence()),
	}
}

func handleResolve(w http.ResponseWriter, r *http.Request, a *app.App) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	resp, err := resolve(r.Context(), a, req)
	if err != nil {
		switch {
		case errors.Is(err, diagnose.ErrEmptyQuery):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required and must not be empty")
		case errors.Is(err, context.DeadlineExceeded):
			httpError(w, http.StatusGatewayTimeout, "timeout_error", "resolving query timed out")
		default:
			slog.Error("resolve failed", "request_id", RequestID(r.Context()), "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "resolving query: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func resolve(ctx context.Context, a *app.App, req ResolveRequest) (ResolveResponse, error) {
	res, reply, err := a.Reply(ctx, req.Text)
	if err != nil {
		return ResolveResponse{}, err
	}
	resp := ResolveResponse{Kind: res.Kind.String(), Query: res.Query, Reply: reply}
	switch res.Kind {
	case diagnose.KindCodeFound, diagnose.KindCodeNotFound:
		code := res.Code
		resp.Code = &code
	case diagnose.KindComplaintMatched:
		mv := matchView(a.Formatter, res.Match)
		resp.Match = &mv
		if n := min(req.Alternatives, maxAlternatives); n > 0 {
			top, err := a.Matcher.TopK(ctx, res.Query, n+1)
			if err != nil {
				return ResolveResponse{}, fmt.Errorf("ranking alternatives: %w", err)
			}
			if len(top) > 0 {
				top = top[1:]
			}
			for _, m := range top {
				resp.Alternatives = append(resp.Alternatives, matchView(a.Formatter, m))
			}
		}
	}
	return resp, nil
}

func handleGetCode(w http.ResponseWriter, r *http.Request, a *app.App) {
	raw := chi.URLParam(r, "code")
	e, ok := a.Store.LookupCode(raw)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found_error", "code %q not found", refdata.NormalizeCode(raw))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RandomResponse is the result of GET /v1/codes/random.
type RandomResponse struct {
	refdata.CodeEntry
	Reply string `json:"reply"`
}

func handleRandomCode(w http.ResponseWriter, r *http.Request, a *app.App) {
	e := a.Store.Random(nil)
	writeJSON(w, http.StatusOK, RandomResponse{CodeEntry: e, Reply: a.Formatter.FormatRandom(e)})
}

// handleListCodes serves GET /v1/codes. q filters by description keyword,
// severity by severity class; both may be combined.
func handleListCodes(w http.ResponseWriter, r *http.Request, a *app.App) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	sev := strings.TrimSpace(r.URL.Query().Get("severity"))

	if sev != "" {
		if _, ok := refdata.ParseSeverity(sev); !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown severity %q: want low, medium or high", sev)
			return
		}
	}

	writeJSON(w, http.StatusOK, listCodes(a.Store, q, sev))
}

func listCodes(s *refdata.Store, q, sev string) []refdata.CodeSummary {
	var hits []refdata.CodeSummary
	if q != "" {
		hits = s.SearchByKeyword(q)
	} else {
		for _, code := range s.AllCodes() {
			e, _ := s.LookupCode(code)
			hits = append(hits, refdata.CodeSummary{Code: e.Code, Description: e.Description})
		}
	}
	if sev != "" {
		keep := make(map[string]bool)
		for _, code := range s.CodesBySeverity(sev) {
			keep[code] = true
		}
		filtered := hits[:0]
		for _, h := range hits {
			if keep[h.Code] {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	if hits == nil {
		hits = []refdata.CodeSummary{}
	}
	return hits
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
