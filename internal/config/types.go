package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the bridge service reads at startup.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Worker     WorkerConfig     `koanf:"worker"`
	Banks      BanksConfig      `koanf:"banks"`
	Cache      CacheConfig      `koanf:"cache"`
	Health     HealthConfig     `koanf:"health"`
	Resilience ResilienceConfig `koanf:"resilience"`
	Search     SearchConfig     `koanf:"search"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// WorkerConfig describes how the worker process is launched and called.
type WorkerConfig struct {
	Command        string   `koanf:"command"`
	Args           []string `koanf:"args"`
	Dir            string   `koanf:"dir"`
	Env            []string `koanf:"env"`
	ReadyTimeoutMs int      `koanf:"readyTimeoutMs"`
	CallTimeoutMs  int      `koanf:"callTimeoutMs"`
	PingTimeoutMs  int      `koanf:"pingTimeoutMs"`
	ChunkSize      int      `koanf:"chunkSize"`
	Overlap        int      `koanf:"overlap"`
	EmbeddingModel string   `koanf:"embeddingModel"`
}

// BanksConfig locates bank artifacts and the registry.
type BanksConfig struct {
	Dir                 string `koanf:"dir"`
	PrimaryExt          string `koanf:"primaryExt"`
	IndexExt            string `koanf:"indexExt"`
	MetadataExt         string `koanf:"metadataExt"`
	RegistryFile        string `koanf:"registryFile"`
	Watch               bool   `koanf:"watch"`
	ValidationCacheSecs int    `koanf:"validationCacheSecs"`
	MinPrimaryBytes     int64  `koanf:"minPrimaryBytes"`
}

// CacheConfig selects and sizes the search result cache.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	MaxSize    int              `koanf:"maxSize"`
	TTLMinutes int              `koanf:"ttlMinutes"`
	Namespace  string           `koanf:"namespace"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// HealthConfig tunes the periodic health monitor.
type HealthConfig struct {
	Enabled                bool    `koanf:"enabled"`
	CheckIntervalMs        int     `koanf:"checkIntervalMs"`
	BridgeTimeoutMs        int     `koanf:"bridgeTimeoutMs"`
	MemoryThresholdPercent float64 `koanf:"memoryThresholdPercent"`
	DiskThresholdPercent   float64 `koanf:"diskThresholdPercent"`
}

// ResilienceConfig tunes retries and the circuit breaker.
type ResilienceConfig struct {
	MaxAttempts       int     `koanf:"maxAttempts"`
	BaseDelayMs       int     `koanf:"baseDelayMs"`
	MaxDelayMs        int     `koanf:"maxDelayMs"`
	BackoffMultiplier float64 `koanf:"backoffMultiplier"`
	FailureThreshold  int     `koanf:"failureThreshold"`
	ResetTimeoutMs    int     `koanf:"resetTimeoutMs"`
}

// SearchConfig holds search defaults and context assembly settings.
type SearchConfig struct {
	DefaultTopK           int     `koanf:"defaultTopK"`
	MinScore              float64 `koanf:"minScore"`
	MaxContextTokens      int     `koanf:"maxContextTokens"`
	MaxConcurrentSearches int     `koanf:"maxConcurrentSearches"`
	ContextTemplate       string  `koanf:"contextTemplate"`
	TemplatesFolder       string  `koanf:"templatesFolder"`
	ContextTemplateFile   string  `koanf:"contextTemplateFile"`
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		return errors.New("config: worker.command required")
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"worker.readyTimeoutMs", c.Worker.ReadyTimeoutMs},
		{"worker.callTimeoutMs", c.Worker.CallTimeoutMs},
		{"worker.pingTimeoutMs", c.Worker.PingTimeoutMs},
		{"health.checkIntervalMs", c.Health.CheckIntervalMs},
		{"health.bridgeTimeoutMs", c.Health.BridgeTimeoutMs},
		{"resilience.maxAttempts", c.Resilience.MaxAttempts},
		{"resilience.baseDelayMs", c.Resilience.BaseDelayMs},
		{"resilience.maxDelayMs", c.Resilience.MaxDelayMs},
		{"resilience.failureThreshold", c.Resilience.FailureThreshold},
		{"resilience.resetTimeoutMs", c.Resilience.ResetTimeoutMs},
		{"cache.maxSize", c.Cache.MaxSize},
		{"cache.ttlMinutes", c.Cache.TTLMinutes},
		{"search.defaultTopK", c.Search.DefaultTopK},
		{"search.maxContextTokens", c.Search.MaxContextTokens},
		{"search.maxConcurrentSearches", c.Search.MaxConcurrentSearches},
	} {
		if field.value <= 0 {
			return fmt.Errorf("config: %s must be positive: %d", field.name, field.value)
		}
	}
	if c.Resilience.MaxDelayMs < c.Resilience.BaseDelayMs {
		return fmt.Errorf("config: resilience.maxDelayMs (%d) below baseDelayMs (%d)", c.Resilience.MaxDelayMs, c.Resilience.BaseDelayMs)
	}
	if c.Resilience.BackoffMultiplier < 1 {
		return fmt.Errorf("config: resilience.backoffMultiplier invalid: %v", c.Resilience.BackoffMultiplier)
	}
	if c.Worker.ChunkSize <= 0 || c.Worker.Overlap < 0 || c.Worker.Overlap >= c.Worker.ChunkSize {
		return fmt.Errorf("config: worker chunkSize/overlap invalid: %d/%d", c.Worker.ChunkSize, c.Worker.Overlap)
	}
	if c.Banks.ValidationCacheSecs < 0 {
		return fmt.Errorf("config: banks.validationCacheSecs invalid: %d", c.Banks.ValidationCacheSecs)
	}
	if strings.TrimSpace(c.Banks.Dir) == "" {
		return errors.New("config: banks.dir required")
	}
	for _, field := range []struct {
		name string
		ext  string
	}{
		{"banks.primaryExt", c.Banks.PrimaryExt},
		{"banks.indexExt", c.Banks.IndexExt},
		{"banks.metadataExt", c.Banks.MetadataExt},
	} {
		if !strings.HasPrefix(field.ext, ".") || len(field.ext) < 2 {
			return fmt.Errorf("config: %s must start with a dot: %q", field.name, field.ext)
		}
	}
	if pct := c.Health.MemoryThresholdPercent; pct <= 0 || pct > 100 {
		return fmt.Errorf("config: health.memoryThresholdPercent out of range: %v", pct)
	}
	if pct := c.Health.DiskThresholdPercent; pct <= 0 || pct > 100 {
		return fmt.Errorf("config: health.diskThresholdPercent out of range: %v", pct)
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("config: search.minScore out of range: %v", c.Search.MinScore)
	}
	if c.Search.ContextTemplate != "" && c.Search.ContextTemplateFile != "" {
		return errors.New("config: search.contextTemplate and contextTemplateFile are mutually exclusive")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8088,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Worker: WorkerConfig{
			Command:        "python3",
			Args:           []string{"worker/bridge.py"},
			Env:            []string{"PYTHONUNBUFFERED=1"},
			ReadyTimeoutMs: 10000,
			CallTimeoutMs:  30000,
			PingTimeoutMs:  1000,
			ChunkSize:      512,
			Overlap:        50,
			EmbeddingModel: "all-MiniLM-L6-v2",
		},
		Banks: BanksConfig{
			Dir:                 "./memory-banks",
			PrimaryExt:          ".mp4",
			IndexExt:            ".faiss",
			MetadataExt:         ".json",
			RegistryFile:        "./memory-banks/registry.json",
			Watch:               true,
			ValidationCacheSecs: 300,
			MinPrimaryBytes:     1000,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxSize:    100,
			TTLMinutes: 30,
			Namespace:  "bankbridge:search",
		},
		Health: HealthConfig{
			Enabled:                true,
			CheckIntervalMs:        30000,
			BridgeTimeoutMs:        5000,
			MemoryThresholdPercent: 85,
			DiskThresholdPercent:   90,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:       3,
			BaseDelayMs:       1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2,
			FailureThreshold:  5,
			ResetTimeoutMs:    60000,
		},
		Search: SearchConfig{
			DefaultTopK:           5,
			MinScore:              0.3,
			MaxContextTokens:      4000,
			MaxConcurrentSearches: 3,
		},
	}
}
