package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/pkg/metrics"
)

// Envelope is the JSON frame sent to stream subscribers.
type Envelope struct {
	Type      string             `json:"type"`
	Snapshot  *metrics.Snapshot  `json:"snapshot,omitempty"`
	Breakdown *metrics.Breakdown `json:"breakdown,omitempty"`
	State     *realtime.State    `json:"state,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}

// Envelope types.
const (
	TypeSnapshot = "snapshot"
	TypeState    = "state"
)

// Publisher forwards a feed's output to the hub.
type Publisher struct {
	hub *Hub
	log *slog.Logger
	now func() time.Time
}

var _ realtime.Listener = (*Publisher)(nil)

// NewPublisher returns a Publisher bound to hub.
func NewPublisher(hub *Hub, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{hub: hub, log: logger.With("component", "publisher"), now: time.Now}
}

// OnSnapshot broadcasts a snapshot and its breakdown on the metrics topic.
func (p *Publisher) OnSnapshot(snap metrics.Snapshot) {
	breakdown := metrics.NewBreakdown(snap)
	p.send(Envelope{Type: TypeSnapshot, Snapshot: &snap, Breakdown: &breakdown}, TopicMetrics)
}

// OnState broadcasts a connection state change on both topics.
func (p *Publisher) OnState(state realtime.State) {
	p.send(Envelope{Type: TypeState, State: &state}, TopicMetrics, TopicState)
}

func (p *Publisher) send(env Envelope, topics ...string) {
	env.SentAt = p.now().UTC()
	payload, err := json.Marshal(env)
	if err != nil {
		p.log.Warn("failed to encode stream envelope", "type", env.Type, "error", err)
		return
	}
	for _, topic := range topics {
		if !p.hub.Broadcast(topic, payload) {
			p.log.Debug("stream envelope dropped", "type", env.Type, "topic", topic)
		}
	}
}

// StateEnvelope encodes state as a standalone frame, used to greet new
// subscribers before the first broadcast reaches them.
func StateEnvelope(state realtime.State) []byte {
	payload, err := json.Marshal(Envelope{Type: TypeState, State: &state, SentAt: time.Now().UTC()})
	if err != nil {
		return []byte(`{"type":"state"}`)
	}
	return payload
}
