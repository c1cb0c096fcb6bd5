package sse

import (
	"time"
)

// SplitText partitions text into roughly equal fragments. A chunk count at
// or below zero still yields one fragment covering the whole text, so a
// stream never completes without a delta.
func SplitText(text string, chunks int) []string {
	if chunks <= 0 {
		chunks = 1
	}
	step := (len(text) + chunks - 1) / chunks
	if step < 1 {
		step = 1
	}
	var out []string
	for pos := 0; pos < len(text); pos += step {
		end := pos + step
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[pos:end])
	}
	if out == nil {
		out = []string{""}
	}
	return out
}

// EmitEcho writes the standard mock stream: one message_start, the text in
// delta fragments with delay between each, then response.completed. Frame
// order on a single connection is exactly this sequence.
func EmitEcho(fw FrameWriter, text string, chunks int, delay time.Duration) {
	fw.Send(map[string]any{"type": "message_start", "created": time.Now().Unix()})
	for i, frag := range SplitText(text, chunks) {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		fw.Send(map[string]any{"type": "response.output_text.delta", "delta": frag})
	}
	fw.Send(map[string]any{"type": "response.completed"})
	fw.Finish()
}
