// Package metrics defines the pipeline metrics snapshot published by the
// remote video-generation service, the frames that carry it, and the bounded
// history kept for charting.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// RTMPMetrics describes the output streamer queue.
type RTMPMetrics struct {
	QueueSize     int     `json:"queue_size"`
	FramesSent    int64   `json:"frames_sent"`
	FramesDropped int64   `json:"frames_dropped"`
	CurrentFPS    float64 `json:"current_fps"`
	TargetFPS     float64 `json:"target_fps"`
	IsStreaming   bool    `json:"is_streaming"`
	Error         string  `json:"error,omitempty"`
}

// GenerationParams records the parameters used for one generated clip.
type GenerationParams struct {
	Timestamp      float64   `json:"timestamp"`
	GenerationID   int64     `json:"generation_id"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	NumFrames      int       `json:"num_frames"`
	Strength       float64   `json:"strength"`
	GuidanceScale  float64   `json:"guidance_scale"`
	Timesteps      []float64 `json:"timesteps"`
}

// VideoMetrics describes generation activity.
type VideoMetrics struct {
	IsRunning               bool               `json:"is_running"`
	GenerationCount         int64              `json:"generation_count"`
	CurrentPrompt           string             `json:"current_prompt"`
	GenerationParamsHistory []GenerationParams `json:"generation_params_history"`
	Error                   string             `json:"error,omitempty"`
}

// PromptMetrics describes prompt-model timing. Times are in seconds.
type PromptMetrics struct {
	PromptsGenerated   int64   `json:"prompts_generated"`
	AvgResponseTime    float64 `json:"avg_response_time"`
	LastInputLength    int     `json:"last_input_length"`
	LastOutputLength   int     `json:"last_output_length"`
	LastGenerationTime float64 `json:"last_generation_time"`
	Error              string  `json:"error,omitempty"`
}

// GeneratorMetrics describes video-generator timing. Times are in seconds.
type GeneratorMetrics struct {
	VideosGenerated    int64   `json:"videos_generated"`
	AvgGenerationTime  float64 `json:"avg_generation_time"`
	LastGenerationTime float64 `json:"last_generation_time"`
	Error              string  `json:"error,omitempty"`
}

// OverlayMetrics describes text-overlay timing. Times are in seconds.
type OverlayMetrics struct {
	FramesProcessed      int64   `json:"frames_processed"`
	AvgTimePerFrame      float64 `json:"avg_time_per_frame"`
	HasOverlay           bool    `json:"has_overlay"`
	LastBatchSize        int     `json:"last_batch_size"`
	LastBatchTime        float64 `json:"last_batch_time"`
	LastBatchAvgPerFrame float64 `json:"last_batch_avg_per_frame"`
	Error                string  `json:"error,omitempty"`
}

// TwitchMetrics describes the chat listener.
type TwitchMetrics struct {
	Channel     string `json:"channel"`
	IsListening bool   `json:"is_listening"`
	QueueSize   int    `json:"queue_size"`
	Error       string `json:"error,omitempty"`
}

// Snapshot is one timestamped measurement of the remote pipeline. Every field
// carries a concrete value once it leaves Decode; consumers never need to
// re-derive defaults.
type Snapshot struct {
	// Timestamp is seconds since the Unix epoch as reported by the pipeline.
	Timestamp          float64          `json:"timestamp"`
	GPUMemoryAllocated float64          `json:"gpu_memory_allocated"`
	RTMP               RTMPMetrics      `json:"rtmp"`
	Video              VideoMetrics     `json:"video"`
	Prompt             PromptMetrics    `json:"prompt"`
	Generator          GeneratorMetrics `json:"generator"`
	Overlay            OverlayMetrics   `json:"overlay"`
	Twitch             TwitchMetrics    `json:"twitch"`
}

// Time converts Timestamp to a time.Time.
func (s Snapshot) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// Decode parses a snapshot object and fills in defaults. fallback is used as
// the timestamp when the payload carries none.
func Decode(raw []byte, fallback time.Time) (Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Snapshot{}, fmt.Errorf("%w: snapshot must be a JSON object", ErrMalformed)
	}
	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	snap.normalize(fallback)
	return snap, nil
}

func (s *Snapshot) normalize(fallback time.Time) {
	if s.Timestamp <= 0 || math.IsNaN(s.Timestamp) || math.IsInf(s.Timestamp, 0) {
		if fallback.IsZero() {
			fallback = time.Now()
		}
		s.Timestamp = float64(fallback.UnixNano()) / float64(time.Second)
	}
	if s.Video.GenerationParamsHistory == nil {
		s.Video.GenerationParamsHistory = []GenerationParams{}
	}
	for i := range s.Video.GenerationParamsHistory {
		if s.Video.GenerationParamsHistory[i].Timesteps == nil {
			s.Video.GenerationParamsHistory[i].Timesteps = []float64{}
		}
	}
	s.GPUMemoryAllocated = finite(s.GPUMemoryAllocated)
	s.RTMP.CurrentFPS = finite(s.RTMP.CurrentFPS)
	s.RTMP.TargetFPS = finite(s.RTMP.TargetFPS)
	s.Prompt.AvgResponseTime = finite(s.Prompt.AvgResponseTime)
	s.Prompt.LastGenerationTime = finite(s.Prompt.LastGenerationTime)
	s.Generator.AvgGenerationTime = finite(s.Generator.AvgGenerationTime)
	s.Generator.LastGenerationTime = finite(s.Generator.LastGenerationTime)
	s.Overlay.AvgTimePerFrame = finite(s.Overlay.AvgTimePerFrame)
	s.Overlay.LastBatchTime = finite(s.Overlay.LastBatchTime)
	s.Overlay.LastBatchAvgPerFrame = finite(s.Overlay.LastBatchAvgPerFrame)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
