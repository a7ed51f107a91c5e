package config

import (
	"fmt"
	"time"
)

// Config holds all murmur configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Submission SubmissionConfig `yaml:"submission"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the message pool and cluster traversal engine.
// Durations are strings in Go duration syntax ("8s", "1m30s").
type EngineConfig struct {
	WorkingSetSize  int    `yaml:"working_set_size"`
	ClusterSize     int    `yaml:"cluster_size"`
	ClusterDuration string `yaml:"cluster_duration"`
	PollingInterval string `yaml:"polling_interval"`
	PollBatchLimit  int    `yaml:"poll_batch_limit"`

	Queue   QueueConfig   `yaml:"queue"`
	Surge   SurgeConfig   `yaml:"surge"`
	Weights WeightsConfig `yaml:"weights"`
}

// QueueConfig bounds the new-message priority queue.
type QueueConfig struct {
	MaxSize        int  `yaml:"max_size"`
	NormalSlots    int  `yaml:"normal_slots"`
	MemoryAdaptive bool `yaml:"memory_adaptive"`
	MemoryBudgetMB int  `yaml:"memory_budget_mb"`
}

// SurgeConfig controls the adaptive response to submission bursts.
// Threshold is a fraction (0..1] of effective queue capacity.
type SurgeConfig struct {
	Threshold          float64 `yaml:"threshold"`
	NewMessageRatio    float64 `yaml:"new_message_ratio"`
	MinHistoricalRatio float64 `yaml:"min_historical_ratio"`
}

// WeightsConfig weights the similarity terms. Weights need not sum to 1;
// scores are normalized over the configured sum.
type WeightsConfig struct {
	Temporal float64 `yaml:"temporal"`
	Length   float64 `yaml:"length"`
	Semantic float64 `yaml:"semantic"`
}

type EmbeddingConfig struct {
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type SubmissionConfig struct {
	RateLimit  int    `yaml:"rate_limit"`
	RateWindow string `yaml:"rate_window"`
	IPSalt     string `yaml:"ip_salt"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38080,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Engine: EngineConfig{
			WorkingSetSize:  300,
			ClusterSize:     20,
			ClusterDuration: "8s",
			PollingInterval: "5s",
			PollBatchLimit:  100,
			Queue: QueueConfig{
				MaxSize:        100,
				NormalSlots:    2,
				MemoryAdaptive: true,
				MemoryBudgetMB: 256,
			},
			Surge: SurgeConfig{
				Threshold:          0.7,
				NewMessageRatio:    0.5,
				MinHistoricalRatio: 0.3,
			},
			Weights: WeightsConfig{
				Temporal: 0.25,
				Length:   0.15,
				Semantic: 0.6,
			},
		},
		Embedding: EmbeddingConfig{
			URL:        "",
			Model:      "semantic-lite",
			Dimensions: 10,
		},
		Submission: SubmissionConfig{
			RateLimit:  3,
			RateWindow: "1h",
			IPSalt:     "",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ClusterDurationValue returns the cluster display duration.
// Assumes the value has been validated by Validate.
func (e *EngineConfig) ClusterDurationValue() time.Duration {
	d, err := time.ParseDuration(e.ClusterDuration)
	if err != nil {
		return 8 * time.Second
	}
	return d
}

// PollingIntervalValue returns the new-message polling interval.
func (e *EngineConfig) PollingIntervalValue() time.Duration {
	d, err := time.ParseDuration(e.PollingInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// RateWindowValue returns the submission rate-limit window.
func (s *SubmissionConfig) RateWindowValue() time.Duration {
	d, err := time.ParseDuration(s.RateWindow)
	if err != nil {
		return time.Hour
	}
	return d
}

// Validate checks config invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.WorkingSetSize <= 0 {
		return fmt.Errorf("config: working_set_size must be positive, got %d", e.WorkingSetSize)
	}
	if e.ClusterSize <= 0 {
		return fmt.Errorf("config: cluster_size must be positive, got %d", e.ClusterSize)
	}
	if e.ClusterSize > e.WorkingSetSize {
		return fmt.Errorf("config: cluster_size %d exceeds working_set_size %d", e.ClusterSize, e.WorkingSetSize)
	}
	if _, err := time.ParseDuration(e.ClusterDuration); err != nil {
		return fmt.Errorf("config: invalid cluster_duration %q: %w", e.ClusterDuration, err)
	}
	if _, err := time.ParseDuration(e.PollingInterval); err != nil {
		return fmt.Errorf("config: invalid polling_interval %q: %w", e.PollingInterval, err)
	}
	if e.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: queue max_size must be positive, got %d", e.Queue.MaxSize)
	}
	if e.Surge.Threshold <= 0 || e.Surge.Threshold > 1 {
		return fmt.Errorf("config: surge threshold must be in (0,1], got %g", e.Surge.Threshold)
	}
	if e.Surge.NewMessageRatio < 0 || e.Surge.NewMessageRatio > 1 {
		return fmt.Errorf("config: surge new_message_ratio must be in [0,1], got %g", e.Surge.NewMessageRatio)
	}
	if e.Surge.MinHistoricalRatio < 0 || e.Surge.MinHistoricalRatio > 1 {
		return fmt.Errorf("config: surge min_historical_ratio must be in [0,1], got %g", e.Surge.MinHistoricalRatio)
	}
	if e.Weights.Temporal < 0 || e.Weights.Length < 0 || e.Weights.Semantic < 0 {
		return fmt.Errorf("config: similarity weights must be non-negative")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if _, err := time.ParseDuration(c.Submission.RateWindow); err != nil {
		return fmt.Errorf("config: invalid rate_window %q: %w", c.Submission.RateWindow, err)
	}
	return nil
}
