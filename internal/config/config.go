package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the generation tuning knobs. Everything has a working default;
// an optional YAML file (REELSMITH_CONFIG) overrides the defaults, and a few
// hot knobs can be overridden again from the environment.
type Config struct {
	Generation GenerationConfig `yaml:"generation"`
	Worker     WorkerConfig     `yaml:"worker"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
}

type GenerationConfig struct {
	// FPS is assumed when a request expresses duration in seconds.
	FPS int `yaml:"fps"`
	// MaxFixAttempts bounds the validate -> repair -> revalidate loop.
	MaxFixAttempts int `yaml:"max_fix_attempts"`
	// ConversationWindow is the number of recent messages included verbatim
	// in a context packet; older messages are compacted, not dropped.
	ConversationWindow int `yaml:"conversation_window"`
	// DefaultDurationInFrames is used when neither request nor brief says.
	DefaultDurationInFrames int `yaml:"default_duration_in_frames"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	StaleRunning time.Duration `yaml:"stale_running"`
	Concurrency  int           `yaml:"concurrency"`
}

type OpenAIConfig struct {
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

func Default() Config {
	return Config{
		Generation: GenerationConfig{
			FPS:                     30,
			MaxFixAttempts:          3,
			ConversationWindow:      20,
			DefaultDurationInFrames: 150,
		},
		Worker: WorkerConfig{
			PollInterval: 1 * time.Second,
			MaxAttempts:  5,
			RetryDelay:   30 * time.Second,
			StaleRunning: 2 * time.Minute,
			Concurrency:  4,
		},
		OpenAI: OpenAIConfig{
			Model:          "gpt-5.2",
			TimeoutSeconds: 180,
			MaxRetries:     4,
		},
	}
}

// Load builds the effective config: defaults, then the YAML file named by
// REELSMITH_CONFIG (if set), then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("REELSMITH_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("GENERATION_MAX_FIX_ATTEMPTS")); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 0 {
			cfg.Generation.MaxFixAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GENERATION_FPS")); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Generation.FPS = n
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Generation.FPS <= 0 {
		return fmt.Errorf("generation.fps must be positive")
	}
	if c.Generation.MaxFixAttempts < 0 {
		return fmt.Errorf("generation.max_fix_attempts must be >= 0")
	}
	if c.Generation.ConversationWindow <= 0 {
		return fmt.Errorf("generation.conversation_window must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}
