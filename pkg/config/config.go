// Package config loads engine configuration from the environment and
// carries the design-constant bundle the components share.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella configuration object handed to the engine and
// its collaborators at startup.
type Config struct {
	// HTTP listen address for the front-door API.
	ListenAddr string

	// DatabaseURL enables the Postgres store when set; empty selects the
	// in-memory store.
	DatabaseURL string

	// Model client settings (OpenAI-compatible endpoint).
	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	// Tool backend endpoint. Empty selects the stub dispatcher.
	ToolBackendURL string

	// Workspace backend endpoint for sandboxed file routing. Empty
	// disables workspace mode (direct path mode).
	WorkspaceURL string

	Constants Constants
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present (development convenience);
// a missing file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     envOr("FOREMAN_LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("FOREMAN_DATABASE_URL"),
		ModelBaseURL:   envOr("FOREMAN_MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:    os.Getenv("FOREMAN_MODEL_API_KEY"),
		ModelName:      envOr("FOREMAN_MODEL", "gpt-4o"),
		ToolBackendURL: os.Getenv("FOREMAN_TOOL_BACKEND_URL"),
		WorkspaceURL:   os.Getenv("FOREMAN_WORKSPACE_URL"),
		Constants:      DefaultConstants(),
	}

	if v := os.Getenv("FOREMAN_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FOREMAN_TICK_INTERVAL %q: %w", v, err)
		}
		cfg.Constants.TickInterval = d
	}
	if v := os.Getenv("FOREMAN_MAX_TOOL_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid FOREMAN_MAX_TOOL_ITERATIONS %q", v)
		}
		cfg.Constants.MaxToolIterations = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
