package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

const (
	maxBodyBytes    = 1 << 20
	defaultTopK     = 5
	shutdownTimeout = 5 * time.Second
)

// Service is what the gateway serves. *session.Orchestrator implements it.
type Service interface {
	ProcessTurn(ctx context.Context, req session.TurnRequest) (*session.TurnResult, error)
	ListMemories(ctx context.Context, sessionID string, f memory.Filter) ([]memory.Memory, error)
	SessionSummary(ctx context.Context, sessionID string) (session.Summary, error)
	ClearSession(ctx context.Context, sessionID string) error
	Search(ctx context.Context, sessionID, query string, k int) ([]memory.ScoredMemory, error)
	Stats(ctx context.Context) (session.GlobalStats, error)
	RebuildIndex(ctx context.Context) (int, error)
	VerifyIndex(ctx context.Context) ([]memory.IndexAudit, error)
	SimilarityAvailable() bool
}

type Options struct {
	Addr    string
	Version string
	Logger  zerolog.Logger
	// Channels reports chat channel status for /health. Optional.
	Channels func() map[string]interface{}
}

type Server struct {
	svc      Service
	opts     Options
	log      zerolog.Logger
	http     *http.Server
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

func NewServer(svc Service, opts Options) *Server {
	s := &Server{
		svc:   svc,
		opts:  opts,
		log:   logger.Component(opts.Logger, "gateway"),
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/conversation", s.handleConversation)
	mux.HandleFunc("GET /v1/memories/{session}", s.handleMemories)
	mux.HandleFunc("GET /v1/sessions/{session}", s.handleSessionSummary)
	mux.HandleFunc("DELETE /v1/sessions/{session}", s.handleClearSession)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/admin/reindex", s.handleReindex)
	mux.HandleFunc("GET /v1/admin/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/ws", s.handleWebsocket)
	return s.withRequestContext(mux)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, closes open websockets and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.connMu.Unlock()

	err := s.http.Shutdown(ctx)
	s.log.Info().Msg("gateway stopped")
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the underlying writer so websockets can upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		l := s.log.With().Str("request_id", reqID).Logger()
		ctx := logger.WithContext(r.Context(), l)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				l.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(rec, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
			l.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

type conversationRequest struct {
	session.TurnRequest
	// RetrieveMemories is the older spelling of the inverse of skip_retrieval.
	RetrieveMemories *bool `json:"retrieve_memories,omitempty"`
}

func (c conversationRequest) turnRequest() session.TurnRequest {
	req := c.TurnRequest
	if c.RetrieveMemories != nil && !*c.RetrieveMemories {
		req.SkipRetrieval = true
	}
	return req
}

type searchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":               "healthy",
		"memory_enabled":       true,
		"similarity_available": s.svc.SimilarityAvailable(),
	}
	if s.opts.Version != "" {
		body["version"] = s.opts.Version
	}
	if s.opts.Channels != nil {
		body["channels"] = s.opts.Channels()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.ProcessTurn(r.Context(), req.turnRequest())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.svc.ListMemories(r.Context(), sessionID, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []memory.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":     sessionID,
		"total_memories": len(list),
		"memories":       list,
	})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.SessionSummary(r.Context(), r.PathValue("session"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if err := s.svc.ClearSession(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Session %s cleared successfully", sessionID),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	results, err := s.svc.Search(r.Context(), req.SessionID, req.Query, req.TopK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":         req.Query,
		"total_results": len(results),
		"results":       results,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromCtx(r.Context()).Info().Int("indexed", n).Msg("similarity index rebuilt")
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	audits, err := s.svc.VerifyIndex(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	consistent := true
	for _, a := range audits {
		if !a.Consistent() {
			consistent = false
		}
	}
	if audits == nil {
		audits = []memory.IndexAudit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": consistent,
		"sessions":   audits,
	})
}

func parseFilter(r *http.Request) (memory.Filter, error) {
	q := r.URL.Query()
	var f memory.Filter
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := memory.ParseType(part)
			if err != nil {
				return f, badRequest(err.Error())
			}
			f.Types = append(f.Types, t)
		}
	}
	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return f, badRequest("min_confidence must be a number in [0, 1]")
		}
		f.MinConfidence = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"min_turn", &f.MinTurn},
		{"max_turn", &f.MaxTurn},
		{"limit", &f.Limit},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, badRequest(p.name + " must be a non-negative integer")
		}
		*p.dst = v
	}
	return f, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
