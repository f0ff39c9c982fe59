package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed indicates a payload that is not valid JSON or does not match
// the expected shape.
var ErrMalformed = errors.New("malformed metrics payload")

// FrameType tags an inbound streaming frame.
type FrameType string

const (
	FrameMetrics FrameType = "metrics"
	FrameError   FrameType = "error"
)

// Frame is one message received on the metrics stream. Snapshot is set only
// for FrameMetrics, Message only for FrameError.
type Frame struct {
	Type      FrameType
	Snapshot  Snapshot
	Message   string
	Timestamp float64
}

type wireFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Message   *string         `json:"message"`
	Timestamp float64         `json:"timestamp"`
}

// DecodeFrame parses a raw text frame. received is used as the snapshot
// timestamp when neither the snapshot nor the frame carries one.
func DecodeFrame(raw []byte, received time.Time) (Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fallback := received
	if wf.Timestamp > 0 {
		fallback = Snapshot{Timestamp: wf.Timestamp}.Time()
	}
	switch FrameType(wf.Type) {
	case FrameMetrics:
		if len(wf.Data) == 0 || string(wf.Data) == "null" {
			return Frame{}, fmt.Errorf("%w: metrics frame without data", ErrMalformed)
		}
		snap, err := Decode(wf.Data, fallback)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameMetrics, Snapshot: snap, Timestamp: wf.Timestamp}, nil
	case FrameError:
		msg := ""
		if wf.Message != nil {
			msg = strings.TrimSpace(*wf.Message)
		}
		if msg == "" {
			msg = "Unknown WebSocket error"
		}
		return Frame{Type: FrameError, Message: msg, Timestamp: wf.Timestamp}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, wf.Type)
	}
}
