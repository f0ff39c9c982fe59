package fal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStreamFailed indicates the pipeline reported status "error".
var ErrStreamFailed = errors.New("stream control failed")

// Generation models.
const (
	ModelLTXv1        = "ltxv1"
	ModelLTXv2Preview = "ltxv2-preview"
)

// StreamConfig is a generation configuration accepted by StartStream.
type StreamConfig interface {
	StreamModel() string
}

// LTXv1Config configures the continuous streaming model.
type LTXv1Config struct {
	Model           string    `json:"model"`
	InitialPrompt   string    `json:"initial_prompt,omitempty"`
	InitialImageURL string    `json:"initial_image_url,omitempty"`
	NegativePrompt  string    `json:"negative_prompt"`
	Height          int       `json:"height"`
	Width           int       `json:"width"`
	NumFrames       int       `json:"num_frames"`
	Strength        float64   `json:"strength"`
	GuidanceScale   float64   `json:"guidance_scale"`
	Timesteps       []float64 `json:"timesteps"`
	TargetFPS       float64   `json:"target_fps"`
	Mode            string    `json:"mode"`
}

// StreamModel implements StreamConfig.
func (LTXv1Config) StreamModel() string { return ModelLTXv1 }

// DefaultLTXv1Config mirrors the pipeline's request defaults.
func DefaultLTXv1Config() LTXv1Config {
	return LTXv1Config{
		Model:          ModelLTXv1,
		NegativePrompt: "worst quality, inconsistent motion, blurry, jittery, distorted",
		Height:         480,
		Width:          640,
		NumFrames:      240,
		Strength:       1.0,
		GuidanceScale:  3.0,
		Timesteps:      []float64{1000, 981, 909, 725, 0.03},
		TargetFPS:      9.0,
		Mode:           "regular",
	}
}

// LTXv2Config configures the preview model that renders a clip before
// streaming it.
type LTXv2Config struct {
	Model                 string  `json:"model"`
	ImageURL              string  `json:"image_url"`
	Prompt                string  `json:"prompt"`
	Duration              int     `json:"duration,omitempty"`
	Resolution            string  `json:"resolution,omitempty"`
	AspectRatio           string  `json:"aspect_ratio,omitempty"`
	EnablePromptExpansion *bool   `json:"enable_prompt_expansion,omitempty"`
	TargetFPS             float64 `json:"target_fps,omitempty"`
	Width                 int     `json:"width,omitempty"`
	Height                int     `json:"height,omitempty"`
}

// StreamModel implements StreamConfig.
func (LTXv2Config) StreamModel() string { return ModelLTXv2Preview }

// StreamResult is the pipeline's answer to start/stop requests.
type StreamResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StartStream asks the pipeline to start generating with cfg.
func (c *Client) StartStream(ctx context.Context, cfg StreamConfig) (StreamResult, error) {
	if cfg == nil {
		cfg = DefaultLTXv1Config()
	}
	return c.control(ctx, "/start_stream", withModel(cfg))
}

// StopStream asks the pipeline to stop.
func (c *Client) StopStream(ctx context.Context) (StreamResult, error) {
	return c.control(ctx, "/stop_stream", nil)
}

func (c *Client) control(ctx context.Context, path string, body any) (StreamResult, error) {
	raw, err := c.do(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return StreamResult{}, err
	}
	if msg, ok := upstreamError(raw); ok {
		return StreamResult{Status: "error", Message: msg}, fmt.Errorf("%w: %s", ErrStreamFailed, msg)
	}
	var res StreamResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return StreamResult{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(res.Status) == "" {
		return res, fmt.Errorf("%w: missing status", ErrInvalidResponse)
	}
	if strings.EqualFold(res.Status, "error") {
		return res, fmt.Errorf("%w: %s", ErrStreamFailed, res.Message)
	}
	return res, nil
}

func withModel(cfg StreamConfig) StreamConfig {
	switch v := cfg.(type) {
	case LTXv1Config:
		if v.Model == "" {
			v.Model = ModelLTXv1
		}
		return v
	case LTXv2Config:
		if v.Model == "" {
			v.Model = ModelLTXv2Preview
		}
		return v
	}
	return cfg
}
