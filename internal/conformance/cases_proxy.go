package conformance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labiium/chat2response-harness/internal/mockapi"
)

// The proxy cases exercise the subject-under-test end to end: scenario →
// spawned proxy → mock upstream → back. Assertions run against both the
// client-visible response and the request the mock captured.

func (r *Runner) caseProxyAuthPrecedence(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, map[string]string{"OPENAI_API_KEY": "env-key"})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:    http.MethodPost,
		URL:       proc.BaseURL + "/proxy",
		Headers:   map[string]string{"Authorization": "Bearer header-key"},
		Body:      chatBody("hello", false),
		Retryable: true,
	})
	if err != nil {
		return err
	}
	cc.assert("precedence_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	cc.assert("precedence_header_wins", asString(resp.JSON()["auth_header"]) == "Bearer header-key", string(resp.Body))

	captured := mock.LastRequest()
	cc.assert("precedence_mock_observed", captured != nil && captured.AuthHeader() == "Bearer header-key",
		fmt.Sprintf("captured=%v", captured))
	return nil
}

func (r *Runner) caseProxyAuthEnvFallback(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, map[string]string{"OPENAI_API_KEY": "env-only-key"})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:    http.MethodPost,
		URL:       proc.BaseURL + "/proxy",
		Body:      chatBody("hello", false),
		Retryable: true,
	})
	if err != nil {
		return err
	}
	cc.assert("fallback_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	cc.assert("fallback_env_key", asString(resp.JSON()["auth_header"]) == "Bearer env-only-key", string(resp.Body))
	return nil
}

// The mock rejects until a top-level "input" appears; a conforming proxy
// retries with input derived from the last user message and the client
// only ever sees the final 200.
func (r *Runner) caseProxyInputRetry(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{RequireInput: true})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, nil)
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     proc.BaseURL + "/proxy",
		Headers: map[string]string{"Authorization": "Bearer retry-key"},
		Body:    chatBody("derive me", false),
	})
	if err != nil {
		return err
	}
	cc.assert("retry_final_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	echo, _ := resp.JSON()["echo"].(map[string]any)
	cc.assert("retry_input_derived", echo != nil && asString(echo["input"]) == "derive me", string(resp.Body))

	captured := mock.LastRequest()
	if captured != nil {
		cc.assert("retry_mock_saw_input", asString(captured.Body["input"]) == "derive me",
			fmt.Sprintf("body=%v", captured.Body))
	}
	return nil
}

func (r *Runner) caseProxyNonstreamEcho(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, nil)
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:    http.MethodPost,
		URL:       proc.BaseURL + "/proxy",
		Body:      chatBody("echo round trip", false),
		Retryable: true,
	})
	if err != nil {
		return err
	}
	cc.assert("nonstream_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	data := resp.JSON()
	cc.assert("nonstream_mock_marker", data["mock"] == true, string(resp.Body))
	echo, _ := data["echo"].(map[string]any)
	cc.assert("nonstream_echo_present", len(echo) > 0, string(resp.Body))
	return nil
}

func (r *Runner) caseProxyStreamEcho(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{
		RequireAuth:    true,
		APIKey:         "sse-token",
		SSEChunks:      3,
		ChunkedFraming: true,
	})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, nil)
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     proc.BaseURL + "/proxy",
		Headers: map[string]string{"Authorization": "Bearer sse-token"},
		Body:    chatBody("Stream, please", true),
		Stream:  true,
	})
	if err != nil {
		return err
	}
	cc.assert("stream_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	ctype := resp.Headers.Get("Content-Type")
	cc.assert("stream_ctype", strings.Contains(ctype, "text/event-stream"), ctype)

	frames, _ := parseSSEFrames(resp.Body)
	starts := 0
	for _, f := range frames {
		t := asString(f["type"])
		if t == "message_start" || t == "response.created" {
			starts++
		}
	}
	cc.assert("stream_one_start", starts == 1, fmt.Sprintf("starts=%d", starts))
	deltas := deltaFragments(frames)
	cc.assert("stream_three_deltas", len(deltas) == 3, fmt.Sprintf("deltas=%d", len(deltas)))
	cc.assert("stream_echo_text", strings.Join(deltas, "") == "Echo (stream mock): Stream, please", strings.Join(deltas, ""))
	cc.assert("stream_completed", lastFrameType(frames) == "response.completed", "")
	return nil
}

func (r *Runner) caseProxyChatModeRewrite(ctx context.Context, cc *caseContext) error {
	mock, err := cc.startMock(mockapi.Config{
		RequireAuth: true,
		APIKey:      "chat-key",
		SSEChunks:   3,
	})
	if err != nil {
		return err
	}
	proc, err := cc.spawnProxy(ctx, mock, map[string]string{"UPSTREAM_MODE": "chat"})
	if err != nil {
		return err
	}
	resp, err := cc.request(ctx, requestSpec{
		Method:  http.MethodPost,
		URL:     proc.BaseURL + "/proxy",
		Headers: map[string]string{"Authorization": "Bearer chat-key"},
		Body:    chatBody("chat mode test", true),
		Stream:  true,
	})
	if err != nil {
		return err
	}
	cc.assert("chat_mode_200", resp.StatusCode == http.StatusOK, fmt.Sprintf("status=%d", resp.StatusCode))
	cc.assert("chat_mode_ctype", strings.Contains(resp.Headers.Get("Content-Type"), "text/event-stream"),
		resp.Headers.Get("Content-Type"))
	frames, _ := parseSSEFrames(resp.Body)
	cc.assert("chat_mode_completed", lastFrameType(frames) == "response.completed", fmt.Sprintf("frames=%d", len(frames)))

	captured := mock.LastRequest()
	cc.assert("chat_mode_path", captured != nil && strings.HasSuffix(captured.Path, "/chat/completions"),
		fmt.Sprintf("captured=%v", captured))
	return nil
}
