// Package mockapi emulates the upstream Responses/Chat API the proxy under
// test forwards to. It implements just enough of the surface to drive the
// proxy's forwarding, translation, auth and retry paths, and records the
// last request it saw for scenario assertions.
package mockapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/labiium/chat2response-harness/internal/harness"
	"github.com/labiium/chat2response-harness/internal/logging"
	"github.com/labiium/chat2response-harness/internal/sse"
)

type Server struct {
	cfg     Config
	httpSrv *http.Server
	baseURL string

	// Single last-write-wins slot. Scenarios send at most one in-flight
	// request at a time; the mutex guards the slot itself, not any
	// ordering across concurrent requests.
	mu   sync.Mutex
	last *CapturedRequest
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/v1/responses", s.handleCompletion)
	r.Post("/v1/chat/completions", s.handleCompletion)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	s.httpSrv = &http.Server{Handler: r}
	return s
}

// Start binds a freshly allocated loopback port and serves in the
// background until Close.
func (s *Server) Start() error {
	port, err := harness.FreePort()
	if err != nil {
		return fmt.Errorf("mockapi: allocate port: %w", err)
	}
	addr := "127.0.0.1:" + strconv.Itoa(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mockapi: listen %s: %w", addr, err)
	}
	s.baseURL = "http://" + addr
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Logger.Error("mock upstream server stopped", "error", err)
		}
	}()
	logging.Logger.Info("mock upstream listening",
		"base_url", s.baseURL,
		"require_auth", s.cfg.RequireAuth,
		"force_sse", s.cfg.ForceSSE,
		"require_input", s.cfg.RequireInput,
		"sse_chunks", s.cfg.SSEChunks)
	return nil
}

func (s *Server) Close() error { return s.httpSrv.Close() }

// BaseURL is valid after Start, e.g. "http://127.0.0.1:41523".
func (s *Server) BaseURL() string { return s.baseURL }

// URL joins a path onto the base URL.
func (s *Server) URL(path string) string { return s.baseURL + path }

// LastRequest returns the most recently captured request, or nil.
func (s *Server) LastRequest() *CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Server) ResetCapture() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

func (s *Server) setLast(c *CapturedRequest) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ts":     time.Now().UnixMilli(),
	})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	wantsStream := s.wantsStream(r, body)
	captured := &CapturedRequest{
		Path:        r.URL.Path,
		Headers:     flattenHeaders(r.Header),
		Body:        body,
		WantsStream: wantsStream,
	}

	if s.cfg.CapturePolicy == CaptureAlways {
		s.setLast(captured)
	}
	if s.cfg.RequireAuth && !s.checkAuth(r) {
		writeError(w, http.StatusUnauthorized, "Missing or invalid Authorization")
		return
	}
	if s.cfg.CapturePolicy == CaptureAfterAuth {
		s.setLast(captured)
	}

	if s.cfg.RequireInput {
		if _, ok := body["input"].(string); !ok {
			writeError(w, http.StatusBadRequest, "Field 'input' required")
			return
		}
	}

	if wantsStream {
		s.replyStream(w, body)
		return
	}
	if s.cfg.JSONDelay > 0 {
		time.Sleep(s.cfg.JSONDelay)
	}
	s.replyJSON(w, r, body)
}

func (s *Server) wantsStream(r *http.Request, body map[string]any) bool {
	if s.cfg.ForceSSE {
		return true
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream") {
		return true
	}
	streaming, _ := body["stream"].(bool)
	return streaming
}

func (s *Server) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if s.cfg.APIKey != "" {
		return token == s.cfg.APIKey
	}
	return token != ""
}

func (s *Server) replyJSON(w http.ResponseWriter, r *http.Request, body map[string]any) {
	model, _ := body["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}
	text := "Echo (mock): " + DerivePrompt(body)
	auth := r.Header.Get("Authorization")

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		"model":   model,
		"created": time.Now().Unix(),
		"type":    "response",
		"mock":    true,
		"path":    r.URL.Path,
		"echo":    body,
		"output": []any{
			map[string]any{
				"type": "message",
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "output_text", "text": text},
				},
			},
		},
		"auth_header":         auth,
		"auth_header_present": strings.HasPrefix(auth, "Bearer "),
		"usage": map[string]any{
			"input_tokens":  12,
			"output_tokens": len(strings.Fields(text)),
			"total_tokens":  12 + len(strings.Fields(text)),
		},
	})
}

func (s *Server) replyStream(w http.ResponseWriter, body map[string]any) {
	text := "Echo (stream mock): " + DerivePrompt(body)
	var fw sse.FrameWriter
	if s.cfg.ChunkedFraming {
		cw, err := sse.NewChunkedWriter(w)
		if err != nil {
			// Hijack unavailable (e.g. HTTP/2 test wiring); the plain
			// framing still satisfies the stream contract.
			fw = sse.NewStreamWriter(w)
		} else {
			fw = cw
		}
	} else {
		fw = sse.NewStreamWriter(w)
	}
	sse.EmitEcho(fw, text, s.cfg.SSEChunks, s.cfg.SSEDelay)
}

// readBody is maximally permissive: an absent, unreadable or malformed
// body degrades to an empty object and never fails the request.
func readBody(r *http.Request) map[string]any {
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		return map[string]any{}
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return map[string]any{}
	}
	return body
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}
