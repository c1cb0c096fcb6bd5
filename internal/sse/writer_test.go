package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamWriterHeadersAndFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	sw.Send(map[string]any{"type": "message_start"})
	sw.Send(map[string]any{"type": "response.completed"})
	sw.Finish()

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("unexpected cache control: %q", cc)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("frame missing data prefix: %q", body)
	}
	events := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %q", len(events), body)
	}
	for _, ev := range events {
		if !strings.HasPrefix(ev, "data: {") {
			t.Fatalf("malformed event: %q", ev)
		}
	}
}

func TestNewChunkedWriterRequiresHijacker(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewChunkedWriter(rec); err == nil {
		t.Fatal("expected error for non-hijackable writer")
	}
}
