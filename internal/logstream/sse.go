package logstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSEWriter encodes a session as Server-Sent Events.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w. Nothing is written to
// the body until the first event.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Meta(ref access.ContainerRef) error {
	return s.named("meta", ref)
}

// Event writes the payload as the default event type, one data line per
// payload line, tagged with the broker sequence.
func (s *SSEWriter) Event(ev broker.Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", ev.Sequence)
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return s.write(buf.Bytes())
}

func (s *SSEWriter) Error(message string) error {
	return s.named("error", map[string]string{"message": message})
}

func (s *SSEWriter) End(reason string) error {
	return s.named("end", reason)
}

func (s *SSEWriter) KeepAlive() error {
	return s.write([]byte(": keepalive\n\n"))
}

func (s *SSEWriter) named(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event, b))
}

func (s *SSEWriter) write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
