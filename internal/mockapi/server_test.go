package mockapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("start mock server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func postJSON(t *testing.T, url string, headers map[string]string, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return data
}

func userMessageBody(prompt string, stream bool) map[string]any {
	return map[string]any{
		"model": "gpt-4o-mini",
		"messages": []any{
			map[string]any{"role": "user", "content": prompt},
		},
		"stream": stream,
	}
}

func TestHealthzShape(t *testing.T) {
	s := startTestServer(t, Config{})
	resp, err := http.Get(s.URL("/healthz"))
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	data := decodeJSON(t, resp)
	if data["status"] != "ok" {
		t.Fatalf("unexpected status field: %v", data["status"])
	}
	ts, ok := data["ts"].(float64)
	if !ok || ts <= 0 {
		t.Fatalf("expected epoch-ms ts, got %v", data["ts"])
	}
}

func TestUnknownRouteAndMethodAre404(t *testing.T) {
	s := startTestServer(t, Config{})
	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/nope"},
		{http.MethodGet, "/v1/responses"},
		{http.MethodDelete, "/v1/chat/completions"},
	} {
		req, _ := http.NewRequest(probe.method, s.URL(probe.path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", probe.method, probe.path, err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", probe.method, probe.path, resp.StatusCode)
		}
		data := decodeJSON(t, resp)
		errObj, _ := data["error"].(map[string]any)
		if errObj["message"] != "Not found" {
			t.Fatalf("unexpected error body: %v", data)
		}
	}
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	s := startTestServer(t, Config{RequireAuth: true, APIKey: "secret"})

	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("hi", false))
	data := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing auth: expected 401, got %d", resp.StatusCode)
	}
	errObj, _ := data["error"].(map[string]any)
	if errObj["message"] != "Missing or invalid Authorization" {
		t.Fatalf("unexpected error body: %v", data)
	}

	resp = postJSON(t, s.URL("/v1/responses"),
		map[string]string{"Authorization": "Bearer wrong"}, userMessageBody("hi", false))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", resp.StatusCode)
	}

	resp = postJSON(t, s.URL("/v1/responses"),
		map[string]string{"Authorization": "Bearer secret"}, userMessageBody("hi", false))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("right key: expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthAnyBearerWhenNoKeyConfigured(t *testing.T) {
	s := startTestServer(t, Config{RequireAuth: true})
	resp := postJSON(t, s.URL("/v1/responses"),
		map[string]string{"Authorization": "Bearer whatever"}, userMessageBody("hi", false))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected any bearer to pass, got %d", resp.StatusCode)
	}
}

func TestCapturePolicyGatesOnAuth(t *testing.T) {
	gated := startTestServer(t, Config{RequireAuth: true, APIKey: "k", CapturePolicy: CaptureAfterAuth})
	resp := postJSON(t, gated.URL("/v1/responses"), nil, userMessageBody("hi", false))
	resp.Body.Close()
	if got := gated.LastRequest(); got != nil {
		t.Fatalf("gated capture recorded an unauthenticated request: %+v", got)
	}

	always := startTestServer(t, Config{RequireAuth: true, APIKey: "k", CapturePolicy: CaptureAlways})
	resp = postJSON(t, always.URL("/v1/responses"), nil, userMessageBody("hi", false))
	resp.Body.Close()
	got := always.LastRequest()
	if got == nil {
		t.Fatal("always-capture missed an unauthenticated request")
	}
	if got.Path != "/v1/responses" {
		t.Fatalf("unexpected captured path: %q", got.Path)
	}
}

func TestRequireInputRejectsUntilPresent(t *testing.T) {
	s := startTestServer(t, Config{RequireInput: true})

	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("hi", false))
	data := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	errObj, _ := data["error"].(map[string]any)
	if errObj["message"] != "Field 'input' required" {
		t.Fatalf("unexpected error body: %v", data)
	}

	body := userMessageBody("hi", false)
	body["input"] = "hi"
	resp = postJSON(t, s.URL("/v1/responses"), nil, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with input present, got %d", resp.StatusCode)
	}
}

func TestJSONEchoShape(t *testing.T) {
	s := startTestServer(t, Config{})
	sent := userMessageBody("round trip", false)
	sent["temperature"] = 0.25
	resp := postJSON(t, s.URL("/v1/responses"),
		map[string]string{"Authorization": "Bearer tok"}, sent)
	data := decodeJSON(t, resp)

	if data["mock"] != true {
		t.Fatalf("missing mock marker: %v", data)
	}
	if data["path"] != "/v1/responses" {
		t.Fatalf("unexpected path: %v", data["path"])
	}
	id, _ := data["id"].(string)
	if !strings.HasPrefix(id, "resp_") {
		t.Fatalf("unexpected id: %q", id)
	}
	if data["auth_header"] != "Bearer tok" || data["auth_header_present"] != true {
		t.Fatalf("auth echo missing: %v", data)
	}
	echo, _ := data["echo"].(map[string]any)
	if echo["temperature"] != 0.25 {
		t.Fatalf("echo lost fields: %v", echo)
	}
	text := firstOutputText(t, data)
	if text != "Echo (mock): round trip" {
		t.Fatalf("unexpected output text: %q", text)
	}
	usage, _ := data["usage"].(map[string]any)
	if usage["input_tokens"] != float64(12) {
		t.Fatalf("unexpected usage: %v", usage)
	}
}

func TestEmptyBodyStillAnswers(t *testing.T) {
	s := startTestServer(t, Config{})
	req, _ := http.NewRequest(http.MethodPost, s.URL("/v1/responses"), strings.NewReader("not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on malformed body, got %d", resp.StatusCode)
	}
	data := decodeJSON(t, resp)
	if text := firstOutputText(t, data); text != "Echo (mock): Hello from mock Responses!" {
		t.Fatalf("unexpected fallback text: %q", text)
	}
}

func TestForceSSEOverridesStreamFalse(t *testing.T) {
	s := startTestServer(t, Config{ForceSSE: true})
	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("forced", false))
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}
	frames := readFrames(t, resp.Body)
	if frames[0]["type"] != "message_start" {
		t.Fatalf("unexpected first frame: %v", frames[0])
	}
	if frames[len(frames)-1]["type"] != "response.completed" {
		t.Fatalf("unexpected last frame: %v", frames[len(frames)-1])
	}
}

func TestStreamChunkBoundaries(t *testing.T) {
	s := startTestServer(t, Config{SSEChunks: 3})
	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("boundary check", true))
	defer resp.Body.Close()
	frames := readFrames(t, resp.Body)

	var deltas []string
	for _, f := range frames {
		if f["type"] == "response.output_text.delta" {
			deltas = append(deltas, f["delta"].(string))
		}
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d: %q", len(deltas), deltas)
	}
	if got := strings.Join(deltas, ""); got != "Echo (stream mock): boundary check" {
		t.Fatalf("deltas reassemble to %q", got)
	}
}

// TestChunkedFramingRaw speaks HTTP/1.1 by hand to observe the explicit
// chunk sizes and terminator the hijacked writer emits.
func TestChunkedFramingRaw(t *testing.T) {
	s := startTestServer(t, Config{ChunkedFraming: true, SSEChunks: 2})

	addr := strings.TrimPrefix(s.BaseURL(), "http://")
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial mock: %v", err)
	}
	defer conn.Close()

	body, _ := json.Marshal(userMessageBody("raw chunks", true))
	fmt.Fprintf(conn, "POST /v1/responses HTTP/1.1\r\nHost: %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", addr, len(body), body)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read raw response: %v", err)
	}
	text := string(raw)
	if !strings.HasPrefix(text, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", firstLine(text))
	}
	if !strings.Contains(text, "Transfer-Encoding: chunked\r\n") {
		t.Fatal("missing chunked transfer encoding header")
	}
	if !strings.HasSuffix(text, "0\r\n\r\n") {
		t.Fatalf("missing final zero chunk, tail: %q", tailOf(text, 20))
	}

	// Each chunk's hex size line must match the bytes that follow it.
	_, payload, ok := strings.Cut(text, "\r\n\r\n")
	if !ok {
		t.Fatal("no header/body separator")
	}
	r := bufio.NewReader(strings.NewReader(payload))
	chunks := 0
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read chunk size: %v", err)
		}
		var size int
		if _, err := fmt.Sscanf(strings.TrimSpace(sizeLine), "%x", &size); err != nil {
			t.Fatalf("bad chunk size line %q: %v", sizeLine, err)
		}
		if size == 0 {
			break
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.Fatalf("short chunk read: %v", err)
		}
		if !bytes.HasSuffix(buf, []byte("\r\n")) {
			t.Fatalf("chunk not CRLF terminated: %q", buf)
		}
		if !bytes.HasPrefix(buf, []byte("data: ")) {
			t.Fatalf("chunk is not an SSE frame: %q", buf)
		}
		chunks++
	}
	// message_start + 2 deltas + response.completed.
	if chunks != 4 {
		t.Fatalf("expected 4 frames, got %d", chunks)
	}
}

// Aborting a stream mid-read must not wedge or crash the server: later
// requests on fresh connections still get full answers.
func TestStreamAbortLeavesServerServing(t *testing.T) {
	for name, cfg := range map[string]Config{
		"plain":   {SSEChunks: 10, SSEDelay: 100 * time.Millisecond},
		"chunked": {SSEChunks: 10, SSEDelay: 100 * time.Millisecond, ChunkedFraming: true},
	} {
		t.Run(name, func(t *testing.T) {
			s := startTestServer(t, cfg)

			resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("abort me", true))
			buf := make([]byte, 512)
			_, _ = resp.Body.Read(buf)
			_ = resp.Body.Close()

			health, err := http.Get(s.URL("/healthz"))
			if err != nil {
				t.Fatalf("healthz after abort: %v", err)
			}
			if health.StatusCode != http.StatusOK {
				t.Fatalf("healthz after abort: status %d", health.StatusCode)
			}
			health.Body.Close()

			again := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("after abort", true))
			defer again.Body.Close()
			frames := readFrames(t, again.Body)
			if frames[len(frames)-1]["type"] != "response.completed" {
				t.Fatalf("stream after abort did not complete: %v", frames[len(frames)-1])
			}
		})
	}
}

func TestJSONDelayDefersReply(t *testing.T) {
	s := startTestServer(t, Config{JSONDelay: 150 * time.Millisecond})
	start := time.Now()
	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("slow", false))
	elapsed := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if elapsed < 120*time.Millisecond {
		t.Fatalf("reply arrived too fast: %s", elapsed)
	}
	data := decodeJSON(t, resp)
	if text := firstOutputText(t, data); text != "Echo (mock): slow" {
		t.Fatalf("unexpected output text: %q", text)
	}
}

func TestSSEDelaySpacesDeltas(t *testing.T) {
	s := startTestServer(t, Config{SSEChunks: 3, SSEDelay: 100 * time.Millisecond})
	start := time.Now()
	resp := postJSON(t, s.URL("/v1/responses"), nil, userMessageBody("spaced out", true))
	defer resp.Body.Close()
	frames := readFrames(t, resp.Body)
	elapsed := time.Since(start)

	// Two inter-delta sleeps between three deltas.
	if elapsed < 180*time.Millisecond {
		t.Fatalf("stream finished too fast: %s", elapsed)
	}
	var deltas []string
	for _, f := range frames {
		if f["type"] == "response.output_text.delta" {
			deltas = append(deltas, f["delta"].(string))
		}
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(deltas))
	}
	if got := strings.Join(deltas, ""); got != "Echo (stream mock): spaced out" {
		t.Fatalf("deltas reassemble to %q", got)
	}
}

func firstOutputText(t *testing.T, data map[string]any) string {
	t.Helper()
	output, _ := data["output"].([]any)
	if len(output) == 0 {
		t.Fatalf("missing output: %v", data)
	}
	msg, _ := output[0].(map[string]any)
	content, _ := msg["content"].([]any)
	if len(content) == 0 {
		t.Fatalf("missing content: %v", msg)
	}
	part, _ := content[0].(map[string]any)
	text, _ := part["text"].(string)
	return text
}

func readFrames(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var frames []map[string]any
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		t.Fatalf("no frames in stream: %q", raw)
	}
	return frames
}

func firstLine(s string) string {
	if i := strings.Index(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
