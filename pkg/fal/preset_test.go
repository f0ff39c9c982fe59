package fal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeStreamConfigFillsDefaults(t *testing.T) {
	cfg, err := DecodeStreamConfig([]byte(`{"initial_prompt":"a lighthouse at dusk","target_fps":12}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	v1, ok := cfg.(LTXv1Config)
	if !ok {
		t.Fatalf("expected LTXv1Config, got %T", cfg)
	}
	if v1.InitialPrompt != "a lighthouse at dusk" || v1.TargetFPS != 12 {
		t.Fatalf("overrides lost: %+v", v1)
	}
	if v1.Width != 640 || v1.Height != 480 || v1.NumFrames != 240 || len(v1.Timesteps) != 5 {
		t.Fatalf("defaults lost: %+v", v1)
	}
}

func TestDecodeStreamConfigValidates(t *testing.T) {
	cases := map[string]string{
		"ltxv2 without image": `{"model":"ltxv2-preview","prompt":"x"}`,
		"unknown model":       `{"model":"sora"}`,
		"bad json":            `{"model":`,
		"zero width":          `{"width":0}`,
	}
	for name, body := range cases {
		if _, err := DecodeStreamConfig([]byte(body)); !errors.Is(err, ErrInvalidStreamConfig) {
			t.Fatalf("%s: expected ErrInvalidStreamConfig, got %v", name, err)
		}
	}
	cfg, err := DecodeStreamConfig(nil)
	if err != nil || cfg.StreamModel() != ModelLTXv1 {
		t.Fatalf("expected empty body to select defaults, got %v (err=%v)", cfg, err)
	}
}

func TestLoadStreamConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preset.yaml")
	preset := "model: ltxv2-preview\nprompt: neon city in the rain\nimage_url: https://img.test/city.png\nresolution: 720p\nduration: 6\n"
	if err := os.WriteFile(path, []byte(preset), 0o600); err != nil {
		t.Fatalf("write preset: %v", err)
	}
	cfg, err := LoadStreamConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v2, ok := cfg.(LTXv2Config)
	if !ok {
		t.Fatalf("expected LTXv2Config, got %T", cfg)
	}
	if v2.Prompt != "neon city in the rain" || v2.Duration != 6 || v2.Resolution != "720p" {
		t.Fatalf("unexpected preset %+v", v2)
	}
	if _, err := LoadStreamConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file to fail")
	}
}
