// ABOUTME: Entry point for the live-gateway realtime server
// ABOUTME: Serves the live websocket and offers operator subcommands against a running instance

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/live-gateway/internal/auth"
	"github.com/2389/live-gateway/internal/config"
	"github.com/2389/live-gateway/internal/gateway"
	"github.com/2389/live-gateway/internal/tasks"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ _                                 _
 | (_)_   _____       __ _  __ _| |_ _____      ____ _ _   _
 | | \ \ / / _ \____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | |\ V /  __/____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|_| \_/ \___|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: LIVE_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/live-gateway/gateway.yaml > ~/.config/live-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LIVE_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "live-gateway", "gateway.yaml")
}

// getTokenPath returns the operator token file stored next to the config.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func usage() {
	fmt.Println("Usage: live-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  health                             Check gateway health")
	fmt.Println("  tasks [--all] [ID]                 List tasks or show one")
	fmt.Println("  drain [--off]                      Stop (or resume) accepting new work")
	fmt.Println("  token --subject NAME [--operator]  Mint a JWT for the configured secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "tasks":
		err = runTasks(ctx, os.Args[2:])
	case "drain":
		err = runDrain(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:       %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:         %s%s\n", cfg.Server.HTTPAddr, cfg.Server.LivePath)
	green.Print("    ▶ ")
	fmt.Printf("Orchestrator: %s ", cfg.Orchestrator.Transport)
	if cfg.Orchestrator.Transport == config.TransportGRPC {
		fmt.Println(cfg.Orchestrator.GRPCAddr)
	} else {
		fmt.Println(cfg.Orchestrator.URL)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:     ")
	if cfg.Upstream.Configured() {
		fmt.Printf("%d model(s), %d profile(s)\n", len(cfg.Upstream.Models), len(cfg.Upstream.AuthProfiles))
	} else {
		yellow.Println("not configured (text fallback)")
	}
	green.Print("    ▶ ")
	fmt.Printf("Replay:       %s\n", cfg.Replay.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:    ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting live-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"live_path", cfg.Server.LivePath,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = newColorHandler(os.Stdout, level)
	}

	return slog.New(handler)
}

// operatorClient talks to a running gateway's operator endpoints.
type operatorClient struct {
	baseURL string
	token   string
}

// newOperatorClient resolves the gateway URL and token.
// URL priority: LIVE_GATEWAY_URL > tailscale hostname > server.http_addr.
// Token priority: LIVE_GATEWAY_TOKEN > token file next to the config.
func newOperatorClient() (*operatorClient, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	baseURL := os.Getenv("LIVE_GATEWAY_URL")
	if baseURL == "" {
		switch {
		case cfg.Tailscale.Enabled && (cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel):
			baseURL = "https://" + cfg.Tailscale.Hostname
		case cfg.Tailscale.Enabled:
			baseURL = "http://" + cfg.Tailscale.Hostname
		default:
			baseURL = "http://" + cfg.Server.HTTPAddr
		}
	}

	token := os.Getenv("LIVE_GATEWAY_TOKEN")
	if token == "" {
		if data, err := os.ReadFile(getTokenPath()); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}

	return &operatorClient{baseURL: strings.TrimSuffix(baseURL, "/"), token: token}, nil
}

func (c *operatorClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// errorBody extracts the {"error": ...} message of a failed response.
func errorBody(data []byte, status int) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("status %d: %s", status, e.Error)
	}
	return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(data)))
}

func runHealth(ctx context.Context) error {
	c, err := newOperatorClient()
	if err != nil {
		return err
	}

	data, status, err := c.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, strings.TrimSpace(string(data)))
	}

	fmt.Println("healthy")
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	var all bool
	var id string
	for _, arg := range args {
		switch {
		case arg == "--all" || arg == "-a":
			all = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case id == "":
			id = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	c, err := newOperatorClient()
	if err != nil {
		return err
	}

	if id != "" {
		data, status, err := c.do(ctx, http.MethodGet, "/api/tasks/"+id, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return errorBody(data, status)
		}
		var t tasks.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decoding task: %w", err)
		}
		printTask(t)
		return nil
	}

	path := "/api/tasks"
	if all {
		path += "?all=true"
	}
	data, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errorBody(data, status)
	}

	var resp gateway.TasksResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding tasks: %w", err)
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range resp.Tasks {
		printTask(t)
	}
	return nil
}

func printTask(t tasks.Task) {
	var status string
	switch t.Status {
	case tasks.StatusCompleted:
		status = color.GreenString("%-16s", t.Status)
	case tasks.StatusFailed:
		status = color.RedString("%-16s", t.Status)
	case tasks.StatusPendingApproval:
		status = color.YellowString("%-16s", t.Status)
	default:
		status = color.CyanString("%-16s", t.Status)
	}
	fmt.Printf("%s %s %3d%% %-10s session=%s", t.ID, status, t.ProgressPct, t.Stage, t.SessionID)
	if t.Intent != "" {
		fmt.Printf(" intent=%s", t.Intent)
	}
	if t.Error != "" {
		fmt.Printf(" error=%q", t.Error)
	}
	fmt.Printf(" updated=%s\n", t.UpdatedAt.Local().Format(time.TimeOnly))
}

func runDrain(ctx context.Context, args []string) error {
	on := true
	for _, arg := range args {
		switch arg {
		case "--off":
			on = false
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	c, err := newOperatorClient()
	if err != nil {
		return err
	}

	body, _ := json.Marshal(gateway.DrainRequest{Draining: &on})
	data, status, err := c.do(ctx, http.MethodPost, "/api/drain", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errorBody(data, status)
	}

	var resp gateway.DrainResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding drain response: %w", err)
	}
	if resp.Draining {
		color.Yellow("draining (%d open connection(s) may finish in-flight work)", resp.Connections)
	} else {
		color.Green("accepting new work")
	}
	return nil
}

// runToken mints a JWT with the configured secret.
// Supports both "--flag value" and "--flag=value" formats.
func runToken(args []string) error {
	var subject string
	var operator, save bool
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--subject", "-s", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--ttl" {
				d, err := time.ParseDuration(value)
				if err != nil {
					return fmt.Errorf("parsing --ttl: %w", err)
				}
				ttl = d
			} else {
				subject = strings.TrimSpace(value)
			}
		case "--operator":
			operator = true
		case "--save":
			save = true
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if subject == "" {
		return errors.New("--subject flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	var roles []string
	if operator {
		roles = []string{auth.RoleOperator}
	}
	token, err := verifier.Generate(subject, roles, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if save {
		tokenPath := getTokenPath()
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.Green("  ✓ Saved token: %s (expires %s)", tokenPath, time.Now().Add(ttl).Format("Jan 02, 2006"))
		return nil
	}

	fmt.Println(token)
	return nil
}
