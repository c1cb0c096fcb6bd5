// Package sse frames Server-Sent-Event payloads, either through the normal
// ResponseWriter path or over a hijacked connection with explicit chunked
// transfer framing. Write failures on a gone peer are swallowed: scenarios
// that abort a stream mid-read are expected, not errors.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FrameWriter emits one data frame per Send. Finish terminates the stream
// where the framing requires it.
type FrameWriter interface {
	Send(v any)
	Finish()
}

// StreamWriter is the plain framing: data lines through the ResponseWriter,
// flushed after every event, body framing left to the HTTP stack.
type StreamWriter struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	canFlush bool
}

func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, canFlush := w.(http.Flusher)
	return &StreamWriter{w: w, rc: http.NewResponseController(w), canFlush: canFlush}
}

func (s *StreamWriter) Send(v any) {
	b, _ := json.Marshal(v)
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte("\n\n"))
	if s.canFlush {
		_ = s.rc.Flush()
	}
}

func (s *StreamWriter) Finish() {}

// ChunkedWriter hijacks the connection and writes the response raw: status
// line, headers, then each frame as <hexlen>CRLF <frame> CRLF, closed by
// the zero-length final chunk.
type ChunkedWriter struct {
	conn net.Conn
	bw   *bufio.Writer
}

func NewChunkedWriter(w http.ResponseWriter) (*ChunkedWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, errors.New("sse: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	bw := rw.Writer
	_, _ = bw.WriteString("HTTP/1.1 200 OK\r\n")
	_, _ = bw.WriteString("Content-Type: text/event-stream\r\n")
	_, _ = bw.WriteString("Cache-Control: no-cache\r\n")
	_, _ = bw.WriteString("Connection: keep-alive\r\n")
	_, _ = bw.WriteString("Transfer-Encoding: chunked\r\n")
	_, _ = bw.WriteString("\r\n")
	_ = bw.Flush()
	return &ChunkedWriter{conn: conn, bw: bw}, nil
}

func (c *ChunkedWriter) Send(v any) {
	b, _ := json.Marshal(v)
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, "\n\n"...)
	_, _ = fmt.Fprintf(c.bw, "%X\r\n", len(frame))
	_, _ = c.bw.Write(frame)
	_, _ = c.bw.WriteString("\r\n")
	_ = c.bw.Flush()
}

func (c *ChunkedWriter) Finish() {
	_, _ = c.bw.WriteString("0\r\n\r\n")
	_ = c.bw.Flush()
	_ = c.conn.Close()
}
