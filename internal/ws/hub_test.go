package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/pkg/logger"
	"github.com/splax/pipewatch/pkg/metrics"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, append([]byte(nil), p...))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func (r *recordingSubscriber) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsPerTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	metricsSub := &recordingSubscriber{}
	stateSub := &recordingSubscriber{}
	hub.Register(TopicMetrics, metricsSub)
	hub.Register(TopicState, stateSub)

	if !hub.Broadcast(TopicMetrics, []byte("m1")) {
		t.Fatal("expected broadcast to be queued")
	}
	hub.Broadcast(TopicState, []byte("s1"))

	waitFor(t, func() bool { return len(metricsSub.received()) == 1 && len(stateSub.received()) == 1 })
	if string(metricsSub.received()[0]) != "m1" || string(stateSub.received()[0]) != "s1" {
		t.Fatalf("topics crossed: %q %q", metricsSub.received()[0], stateSub.received()[0])
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	bad := &recordingSubscriber{failing: true}
	good := &recordingSubscriber{}
	hub.Register(TopicMetrics, bad)
	hub.Register(TopicMetrics, good)
	hub.Broadcast(TopicMetrics, []byte("x"))

	waitFor(t, func() bool { return bad.isClosed() && len(good.received()) == 1 })
	waitFor(t, func() bool { return hub.Subscribers(TopicMetrics) == 1 })
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register(TopicState, sub)
	hub.Stop()

	if !sub.isClosed() {
		t.Fatal("expected subscriber closed on stop")
	}
	if hub.Broadcast(TopicState, []byte("late")) {
		t.Fatal("expected broadcast after stop to be rejected")
	}
	late := &recordingSubscriber{}
	hub.Register(TopicState, late)
	if !late.isClosed() {
		t.Fatal("expected late registration to be closed")
	}
}

func TestPublisherEnvelopes(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()
	all := &recordingSubscriber{}
	states := &recordingSubscriber{}
	hub.Register(TopicMetrics, all)
	hub.Register(TopicState, states)

	pub := NewPublisher(hub, logger.Discard())
	snap := metrics.Snapshot{Timestamp: 1700000000}
	snap.Prompt.AvgResponseTime = 1
	snap.Generator.AvgGenerationTime = 3
	pub.OnSnapshot(snap)
	pub.OnState(realtime.State{Mode: realtime.ModeWebSocket, Status: realtime.StatusConnected, Phase: realtime.PhaseOpen})

	waitFor(t, func() bool { return len(all.received()) == 2 && len(states.received()) == 1 })

	var first Envelope
	if err := json.Unmarshal(all.received()[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != TypeSnapshot || first.Snapshot == nil || first.Breakdown == nil {
		t.Fatalf("unexpected snapshot envelope %+v", first)
	}
	if first.Breakdown.TotalSeconds != 4 {
		t.Fatalf("expected breakdown total 4, got %v", first.Breakdown.TotalSeconds)
	}
	var second Envelope
	if err := json.Unmarshal(states.received()[0], &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Type != TypeState || second.State == nil || second.State.Status != realtime.StatusConnected {
		t.Fatalf("unexpected state envelope %+v", second)
	}
}

func TestSSEClientFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, logger.Discard())

	if err := client.Send([]byte(`{"type":"state"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send([]byte(`{"type":"snapshot"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "retry: 3000\nid: 1\nevent: state\ndata: {\"type\":\"state\"}\n\n" +
		"id: 2\nevent: snapshot\ndata: {\"type\":\"snapshot\"}\n\n" +
		": ping\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("unexpected stream body %q", body)
	}

	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatal("expected Done closed after Close")
	}
	if err := client.Send([]byte("after")); err == nil {
		t.Fatal("expected send after close to fail")
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("after")) {
		t.Fatal("closed client wrote to stream")
	}
}
