package conformance

func (r *Runner) cases() []caseDef {
	return []caseDef{
		{ID: "mock_healthz_ok", Run: r.caseMockHealthz},
		{ID: "mock_unknown_route", Run: r.caseMockUnknownRoute},
		{ID: "mock_auth_required", Run: r.caseMockAuthRequired},
		{ID: "mock_auth_capture_policy", Run: r.caseMockAuthCapturePolicy},
		{ID: "mock_json_echo", Run: r.caseMockJSONEcho},
		{ID: "mock_force_sse", Run: r.caseMockForceSSE},
		{ID: "mock_stream_boundary", Run: r.caseMockStreamBoundary},
		{ID: "mock_chunked_framing", Run: r.caseMockChunkedFraming},
		{ID: "mock_stream_abort", Run: r.caseMockStreamAbort},
		{ID: "proxy_auth_precedence", NeedsProxy: true, Run: r.caseProxyAuthPrecedence},
		{ID: "proxy_auth_env_fallback", NeedsProxy: true, Run: r.caseProxyAuthEnvFallback},
		{ID: "proxy_input_retry", NeedsProxy: true, Run: r.caseProxyInputRetry},
		{ID: "proxy_nonstream_echo", NeedsProxy: true, Run: r.caseProxyNonstreamEcho},
		{ID: "proxy_stream_echo", NeedsProxy: true, Run: r.caseProxyStreamEcho},
		{ID: "proxy_chat_mode_rewrite", NeedsProxy: true, Run: r.caseProxyChatModeRewrite},
	}
}
