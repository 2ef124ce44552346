package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Chunks holds the tunables of the chunk lifecycle system.
type Chunks struct {
	// Grid
	ChunkSize         int `yaml:"chunk_size"`
	RenderChunkWidth  int `yaml:"render_chunk_width"`
	RenderChunkHeight int `yaml:"render_chunk_height"`
	SpatialBucketSize int `yaml:"spatial_bucket_size"`

	// Cache
	MaxCachedChunks int `yaml:"max_cached_chunks"`

	// Timeouts
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`     // default: 10s
	HydrationTimeout time.Duration `yaml:"hydration_timeout"` // default: 5s

	// Fetch batching
	FetchBatchDelay time.Duration `yaml:"fetch_batch_delay"` // one frame
	FetchMaxBatch   int           `yaml:"fetch_max_batch"`

	// Prefetch / camera
	MaxConcurrentPrefetch int           `yaml:"max_concurrent_prefetch"`
	PrefetchEnabled       bool          `yaml:"prefetch_enabled"`
	CameraDebounce        time.Duration `yaml:"camera_debounce"`

	// Frame budget for incremental rendering
	IncrementalRenderBudget time.Duration `yaml:"incremental_render_budget"`

	Debug bool `yaml:"debug"`
}

// DefaultChunks returns Chunks with the documented defaults.
func DefaultChunks() Chunks {
	return Chunks{
		ChunkSize:               30,
		RenderChunkWidth:        60,
		RenderChunkHeight:       44,
		SpatialBucketSize:       15,
		MaxCachedChunks:         16,
		FetchTimeout:            10 * time.Second,
		HydrationTimeout:        5 * time.Second,
		FetchBatchDelay:         16 * time.Millisecond,
		FetchMaxBatch:           5,
		MaxConcurrentPrefetch:   3,
		PrefetchEnabled:         true,
		CameraDebounce:          50 * time.Millisecond,
		IncrementalRenderBudget: 8 * time.Millisecond,
	}
}

// Validate rejects non-positive sizes and timeouts.
func (c Chunks) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}

	positive("chunk_size", c.ChunkSize)
	positive("render_chunk_width", c.RenderChunkWidth)
	positive("render_chunk_height", c.RenderChunkHeight)
	positive("spatial_bucket_size", c.SpatialBucketSize)
	positive("max_cached_chunks", c.MaxCachedChunks)
	positive("fetch_max_batch", c.FetchMaxBatch)
	positive("max_concurrent_prefetch", c.MaxConcurrentPrefetch)
	positiveDur("fetch_timeout", c.FetchTimeout)
	positiveDur("hydration_timeout", c.HydrationTimeout)
	positiveDur("fetch_batch_delay", c.FetchBatchDelay)
	positiveDur("camera_debounce", c.CameraDebounce)
	positiveDur("incremental_render_budget", c.IncrementalRenderBudget)

	return errors.Join(errs...)
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	// SeedRadius seeds the render chunks within this many chunk steps of
	// the origin with generated content on startup. Zero disables seeding.
	SeedRadius int `yaml:"seed_radius"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// FetchCache sizes the payload cache in front of the world store.
type FetchCache struct {
	Enabled bool          `yaml:"enabled"`
	MaxCost int64         `yaml:"max_cost"` // tiles + entities
	TTL     time.Duration `yaml:"ttl"`
}

// Server holds the configuration of the chunkd host.
type Server struct {
	LogLevel   string        `yaml:"log_level"`
	FrameRate  int           `yaml:"frame_rate"` // update ticks per second
	StatsEvery time.Duration `yaml:"stats_every"`

	Chunks     Chunks         `yaml:"chunks"`
	Database   DatabaseConfig `yaml:"database"`
	FetchCache FetchCache     `yaml:"fetch_cache"`
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		LogLevel:   "info",
		FrameRate:  60,
		StatsEvery: 10 * time.Second,
		Chunks:     DefaultChunks(),
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "chunkflow",
			Password: "chunkflow",
			DBName:   "chunkflow",
			SSLMode:  "disable",
		},
		FetchCache: FetchCache{
			Enabled: true,
			MaxCost: 1 << 20,
			TTL:     30 * time.Second,
		},
	}
}

// FrameInterval returns the duration of one update tick.
func (s Server) FrameInterval() time.Duration {
	if s.FrameRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(s.FrameRate)
}

// LoadServer loads chunkd config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Chunks.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}
