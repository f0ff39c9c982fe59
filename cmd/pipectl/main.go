package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/pipewatch/pkg/api/client"
	"github.com/splax/pipewatch/pkg/fal"
	"github.com/splax/pipewatch/pkg/metrics"
)

const defaultAPIBaseURL = "http://localhost:8080"

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	ControlToken string `json:"control_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "status":
		err = commandStatus(args)
	case "start":
		err = commandStart(args)
	case "stop":
		err = commandStop(args)
	case "reconnect":
		err = commandConnection(args, "reconnect")
	case "disconnect":
		err = commandConnection(args, "disconnect")
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "Daemon base URL (default http://localhost:8080)")
	token := fs.String("token", "", "Control token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Control token (empty for none): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	cfg.ControlToken = secret

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", cfg.APIBaseURL, err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("saved %s (feed %s)\n", cfg.APIBaseURL, formatState(state))
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the raw response")
	fs.Parse(args)

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := client.Metrics(ctx, false)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, out)
	}
	fmt.Printf("feed:\t%s\n", formatState(out.State))
	if out.Snapshot == nil {
		fmt.Println("metrics:\tnone received yet")
		return nil
	}
	fmt.Printf("metrics:\t%s\n", formatSnapshot(*out.Snapshot))
	if out.Breakdown != nil {
		for _, stage := range out.Breakdown.Stages {
			fmt.Printf("  %-10s %6.2fs %5.1f%%\n", stage.Name, stage.Seconds, stage.Percent)
		}
	}
	return nil
}

func commandStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	preset := fs.String("config", "", "YAML or JSON stream preset")
	prompt := fs.String("prompt", "", "Initial prompt (overrides the preset)")
	fs.Parse(args)

	var cfg fal.StreamConfig = fal.DefaultLTXv1Config()
	if strings.TrimSpace(*preset) != "" {
		loaded, err := fal.LoadStreamConfig(*preset)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if p := strings.TrimSpace(*prompt); p != "" {
		switch v := cfg.(type) {
		case fal.LTXv1Config:
			v.InitialPrompt = p
			cfg = v
		case fal.LTXv2Config:
			v.Prompt = p
			cfg = v
		}
	}

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	res, err := client.StartStream(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", res.Status, res.Message)
	return nil
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	fs.Parse(args)

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	res, err := client.StopStream(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", res.Status, res.Message)
	return nil
}

func commandConnection(args []string, op string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	fs.Parse(args)

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var state apiclient.State
	if op == "reconnect" {
		state, err = client.Reconnect(ctx)
	} else {
		state, err = client.Disconnect(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("feed %s\n", formatState(state))
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	topic := fs.String("topic", "metrics", "Stream topic: metrics or state")
	fs.Parse(args)

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live := term.IsTerminal(int(os.Stdout.Fd()))
	err = client.Watch(ctx, *topic, func(ev apiclient.Event) error {
		if !live {
			return printJSON(os.Stdout, ev)
		}
		fmt.Printf("\r\033[K%s", formatEvent(ev))
		return nil
	})
	if live {
		fmt.Println()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func formatEvent(ev apiclient.Event) string {
	stamp := ev.SentAt.Local().Format("15:04:05")
	switch {
	case ev.State != nil:
		return fmt.Sprintf("%s feed %s", stamp, formatState(*ev.State))
	case ev.Snapshot != nil:
		return fmt.Sprintf("%s %s", stamp, formatSnapshot(*ev.Snapshot))
	}
	return fmt.Sprintf("%s %s", stamp, ev.Type)
}

func formatState(s apiclient.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", s.Mode, s.Status)
	if s.WillRetry {
		fmt.Fprintf(&b, " retry #%d in %s", s.Attempt, time.Duration(s.RetryInMS)*time.Millisecond)
	} else if s.Attempt > 0 {
		fmt.Fprintf(&b, " after %d attempts", s.Attempt)
	}
	if s.Error != nil {
		fmt.Fprintf(&b, " [%s: %s]", s.Error.Kind, s.Error.Message)
	}
	return b.String()
}

func formatSnapshot(snap metrics.Snapshot) string {
	return fmt.Sprintf("queue=%d fps=%.1f dropped=%.1f%% videos=%d gpu=%.2fGB",
		snap.RTMP.QueueSize,
		snap.RTMP.CurrentFPS,
		metrics.DropRate(snap.RTMP),
		snap.Generator.VideosGenerated,
		snap.GPUMemoryAllocated,
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

func clientFromConfig() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClient(cfg)
}

func newClient(cfg cliConfig) (*apiclient.Client, error) {
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.ControlToken))
}

func loadConfig() (cliConfig, error) {
	cfg := cliConfig{APIBaseURL: defaultAPIBaseURL}
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return applyEnv(cfg), nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg cliConfig) cliConfig {
	if v := strings.TrimSpace(os.Getenv("PIPEWATCH_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PIPEWATCH_CONTROL_TOKEN")); v != "" {
		cfg.ControlToken = v
	}
	return cfg
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pipewatch", "config.json"), nil
}

func printUsage() {
	fmt.Printf("pipectl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	pipectl login [--api http://localhost:8080] [--token secret]
	pipectl status [--json]
	pipectl start [--config preset.yaml] [--prompt text]
	pipectl stop
	pipectl reconnect
	pipectl disconnect
	pipectl watch [--topic metrics|state]
	pipectl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
