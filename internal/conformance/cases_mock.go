package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/labiium/chat2response-harness/internal/mockapi"
)

func chatBody(prompt string, stream bool) map[string]any {
	body := map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []any{map[string]any{"role": "user", "content": prompt}},
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (r *Runner) caseMockHealthz(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	var lastTS float64
	for i := 0; i < 3; i++ {
		resp, err := cc.request(ctx, requestSpec{Method: http.MethodGet, URL: mock.URL("/healthz")})
		if err != nil {
			return err
		}
		cc.assert("healthz_status", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
		data := resp.JSON()
		cc.assert("healthz_shape", asString(data["status"]) == "ok", fmt.Sprintf("body=%s", resp.Body))
		ts, ok := data["ts"].(float64)
		cc.assert("healthz_ts_present", ok, "")
		cc.assert("healthz_ts_monotonic", ts >= lastTS, fmt.Sprintf("ts=%v last=%v", ts, lastTS))
		lastTS = ts
	}
	return nil
}

func (r *Runner) caseMockUnknownRoute(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method: http.MethodPost,
		URL:    mock.URL("/v1/unknown"),
		Body:   chatBody("hello", false),
	})
	if err != nil {
		return err
	}
	cc.assert("unknown_route_404", resp.StatusCode == http.StatusNotFound, fmt.Sprintf("status=%d", resp.StatusCode))
	errObj, _ := resp.JSON()["error"].(map[string]any)
	cc.assert("unknown_route_message", errObj != nil && asString(errObj["message"]) == "Not found", string(resp.Body))

	getResp, err := cc.request(ctx, requestSpec{Method: http.MethodGet, URL: mock.URL("/anything")})
	if err != nil {
		return err
	}
	cc.assert("unknown_get_404", getResp.StatusCode == http.StatusNotFound, fmt.Sprintf("status=%d", getResp.StatusCode))
	return nil
}

func (r *Runner) caseMockAuthRequired(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{RequireAuth: true, APIKey: "sk-test"})
	if err != nil {
		return err
	}
	url := mock.URL("/v1/responses")
	body := chatBody("auth check", false)

	noAuth, err := cc.request(ctx, requestSpec{Method: http.MethodPost, URL: url, Body: body})
	if err != nil {
		return err
	}
	cc.assert("missing_token_401", noAuth.StatusCode == http.StatusUnauthorized, fmt.Sprintf("status=%d", noAuth.StatusCode))

	wrong, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Authorization": "Bearer wrong-token"},
		Body:    body,
	})
	if err != nil {
		return err
	}
	cc.assert("wrong_token_401", wrong.StatusCode == http.StatusUnauthorized, fmt.Sprintf("status=%d", wrong.StatusCode))

	ok, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Authorization": "Bearer sk-test"},
		Body:    body,
	})
	if err != nil {
		return err
	}
	cc.assert("valid_token_200", ok.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", ok.StatusCode))
	return nil
}

// Both capture orderings are part of the contract: an always-capture mock
// records rejected requests, an auth-gated one does not.
func (r *Runner) caseMockAuthCapturePolicy(ctx context.Context, cc *caseContext) error {
	gated, err := cc.startMock(mockapi.Config{RequireAuth: true, CapturePolicy: mockapi.CaptureAfterAuth})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{Method: http.MethodPost, URL: gated.URL("/v1/responses"), Body: chatBody("x", false)})
	if err != nil {
		return err
	}
	cc.assert("gated_401", resp.StatusCode == http.StatusUnauthorized, fmt.Sprintf("status=%d", resp.StatusCode))
	cc.assert("gated_not_captured", gated.LastRequest() == nil, "")

	always, err := cc.startMock(mockapi.Config{RequireAuth: true, CapturePolicy: mockapi.CaptureAlways})
	if err != nil {
		return err
	}
	resp, err = cc.request(ctx, requestSpec{Method: http.MethodPost, URL: always.URL("/v1/responses"), Body: chatBody("x", false)})
	if err != nil {
		return err
	}
	cc.assert("always_401", resp.StatusCode == http.StatusUnauthorized, fmt.Sprintf("status=%d", resp.StatusCode))
	captured := always.LastRequest()
	cc.assert("always_captured", captured != nil && captured.Path == "/v1/responses", fmt.Sprintf("captured=%v", captured))
	return nil
}

func (r *Runner) caseMockJSONEcho(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	sent := chatBody("round trip", false)
	resp, err := cc.request(ctx, requestSpec{Method: http.MethodPost, URL: mock.URL("/v1/responses"), Body: sent})
	if err != nil {
		return err
	}
	cc.assert("json_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	data := resp.JSON()
	cc.assert("json_mock_marker", data["mock"] == true, string(resp.Body))
	cc.assert("json_auth_absent", data["auth_header_present"] == false, "")

	// The echo must deep-equal the body as sent, normalized through one
	// marshal round so numeric types compare cleanly.
	var normalized map[string]any
	raw, _ := json.Marshal(sent)
	_ = json.Unmarshal(raw, &normalized)
	cc.assert("json_echo_roundtrip", reflect.DeepEqual(data["echo"], normalized),
		fmt.Sprintf("echo=%v", data["echo"]))

	text := outputText(data)
	cc.assert("json_output_text", text == "Echo (mock): round trip", text)

	captured := mock.LastRequest()
	cc.assert("json_captured", captured != nil && !captured.WantsStream, "")
	return nil
}

func (r *Runner) caseMockForceSSE(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{ForceSSE: true, SSEChunks: 2})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method: http.MethodPost,
		URL:    mock.URL("/v1/responses"),
		Body:   chatBody("forced", false),
		Stream: true,
	})
	if err != nil {
		return err
	}
	ctype := resp.Headers.Get("Content-Type")
	cc.assert("forced_sse_ctype", strings.Contains(ctype, "text/event-stream"), ctype)
	frames, _ := parseSSEFrames(resp.Body)
	cc.assert("forced_sse_completed", lastFrameType(frames) == "response.completed", fmt.Sprintf("frames=%d", len(frames)))
	return nil
}

func (r *Runner) caseMockStreamBoundary(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{SSEChunks: 0})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     mock.URL("/v1/responses"),
		Headers: map[string]string{"Accept": "text/event-stream"},
		Body:    chatBody("boundary check", false),
		Stream:  true,
	})
	if err != nil {
		return err
	}
	frames, _ := parseSSEFrames(resp.Body)
	deltas := deltaFragments(frames)
	cc.assert("boundary_single_delta", len(deltas) == 1, fmt.Sprintf("deltas=%d", len(deltas)))
	cc.assert("boundary_full_text", strings.Join(deltas, "") == "Echo (stream mock): boundary check", strings.Join(deltas, ""))
	cc.assert("boundary_completed", lastFrameType(frames) == "response.completed", "")
	return nil
}

func (r *Runner) caseMockChunkedFraming(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{ChunkedFraming: true, SSEChunks: 2})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method: http.MethodPost,
		URL:    mock.URL("/v1/responses"),
		Body:   chatBody("chunked hello", true),
		Stream: true,
	})
	if err != nil {
		return err
	}
	ctype := resp.Headers.Get("Content-Type")
	cc.assert("chunked_ctype", strings.Contains(ctype, "text/event-stream"), ctype)
	frames, _ := parseSSEFrames(resp.Body)
	cc.assert("chunked_start", len(frames) > 0 && asString(frames[0]["type"]) == "message_start", fmt.Sprintf("frames=%v", frames))
	deltas := deltaFragments(frames)
	cc.assert("chunked_text", strings.Join(deltas, "") == "Echo (stream mock): chunked hello", strings.Join(deltas, ""))
	cc.assert("chunked_completed", lastFrameType(frames) == "response.completed", "")
	return nil
}

// A client hanging up mid-stream is a scenario, not a fault: the server
// must keep serving fresh connections afterwards.
func (r *Runner) caseMockStreamAbort(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{SSEChunks: 10, SSEDelay: 100 * time.Millisecond})
	if err != nil {
		return err
	}
	if err := cc.abortStream(ctx, requestSpec{
		Method: http.MethodPost,
		URL:    mock.URL("/v1/responses"),
		Body:   chatBody("abort me", true),
	}); err != nil {
		return err
	}

	health, err := cc.request(ctx, requestSpec{Method: http.MethodGet, URL: mock.URL("/healthz")})
	if err != nil {
		return err
	}
	cc.assert("abort_healthz_ok", health.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", health.StatusCode))

	again, err := cc.request(ctx, requestSpec{
		Method: http.MethodPost,
		URL:    mock.URL("/v1/responses"),
		Body:   chatBody("after abort", true),
		Stream: true,
	})
	if err != nil {
		return err
	}
	frames, _ := parseSSEFrames(again.Body)
	cc.assert("abort_followup_completed", lastFrameType(frames) == "response.completed",
		fmt.Sprintf("frames=%d", len(frames)))
	return nil
}

func outputText(data map[string]any) string {
	output, _ := data["output"].([]any)
	for _, raw := range output {
		msg, _ := raw.(map[string]any)
		content, _ := msg["content"].([]any)
		for _, c := range content {
			part, _ := c.(map[string]any)
			if asString(part["type"]) == "output_text" {
				return asString(part["text"])
			}
		}
	}
	return ""
}

func deltaFragments(frames []map[string]any) []string {
	var out []string
	for _, f := range frames {
		if asString(f["type"]) == "response.output_text.delta" {
			out = append(out, asString(f["delta"]))
		}
	}
	return out
}

func lastFrameType(frames []map[string]any) string {
	if len(frames) == 0 {
		return ""
	}
	return asString(frames[len(frames)-1]["type"])
}
