package fal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidStreamConfig indicates a stream configuration that cannot be sent.
var ErrInvalidStreamConfig = errors.New("invalid stream config")

// DecodeStreamConfig parses a JSON stream configuration. The "model" field
// selects the shape; LTXv1 fields left out keep their defaults.
func DecodeStreamConfig(raw []byte) (StreamConfig, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return DefaultLTXv1Config(), nil
	}
	var head struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStreamConfig, err)
	}
	switch strings.ToLower(strings.TrimSpace(head.Model)) {
	case "", ModelLTXv1:
		cfg := DefaultLTXv1Config()
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStreamConfig, err)
		}
		cfg.Model = ModelLTXv1
		if cfg.Width <= 0 || cfg.Height <= 0 || cfg.NumFrames <= 0 {
			return nil, fmt.Errorf("%w: width, height and num_frames must be positive", ErrInvalidStreamConfig)
		}
		return cfg, nil
	case ModelLTXv2Preview:
		var cfg LTXv2Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStreamConfig, err)
		}
		cfg.Model = ModelLTXv2Preview
		if strings.TrimSpace(cfg.Prompt) == "" || strings.TrimSpace(cfg.ImageURL) == "" {
			return nil, fmt.Errorf("%w: %s requires prompt and image_url", ErrInvalidStreamConfig, ModelLTXv2Preview)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidStreamConfig, head.Model)
}

// LoadStreamConfig reads a stream preset from a YAML or JSON file.
func LoadStreamConfig(path string) (StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream preset: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStreamConfig, err)
	}
	if doc == nil {
		return DefaultLTXv1Config(), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStreamConfig, err)
	}
	return DecodeStreamConfig(raw)
}
