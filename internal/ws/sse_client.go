package ws

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sseRetry is the reconnect delay suggested to EventSource clients.
const sseRetry = 3 * time.Second

// SSEClient streams envelopes as Server-Sent Events. Each frame carries the
// envelope type as the event name and a per-stream sequence id.
type SSEClient struct {
	mu      sync.Mutex
	w       *bufio.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	closed  bool
	done    chan struct{}
}

// NewSSEClient wraps a response writer that has already sent its headers.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		w:       bufio.NewWriter(writer),
		flusher: flusher,
		log:     logger,
		done:    make(chan struct{}),
	}
}

// Send emits one envelope.
func (c *SSEClient) Send(payload []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)
	return c.frame("sse send failed", func(w *bufio.Writer) {
		if c.seq == 0 {
			w.WriteString("retry: " + strconv.FormatInt(sseRetry.Milliseconds(), 10) + "\n")
		}
		c.seq++
		w.WriteString("id: " + strconv.FormatUint(c.seq, 10) + "\n")
		if head.Type != "" {
			w.WriteString("event: " + head.Type + "\n")
		}
		w.WriteString("data: ")
		w.Write(payload)
		w.WriteString("\n\n")
	})
}

// Heartbeat emits a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.frame("sse heartbeat failed", func(w *bufio.Writer) {
		w.WriteString(": ping\n\n")
	})
}

func (c *SSEClient) frame(msg string, fill func(*bufio.Writer)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	fill(c.w)
	if err := c.w.Flush(); err != nil {
		c.log.Warn(msg, "error", err)
		c.closeLocked()
		return err
	}
	c.flusher.Flush()
	return nil
}

// Done is closed once the stream stops accepting writes.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// Close ends the stream.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
