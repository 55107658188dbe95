package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration: defaults, then each file in
// order, then environment overrides. The result is validated before return.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaults := structToMap(DefaultConfig())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(defaults)
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__REDIS__ADDRESS -> cache.redis.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so TTL_MINUTES collapses into ttlminutes
			// before the canonical lookup restores the camelCase key.
			collapsed := strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[collapsed]; ok {
				return mapped
			}
			return collapsed
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
}

// canonicalKeys maps every lower-cased dotted key in the defaults back to its
// camelCase spelling so env overrides land on the same koanf paths.
func canonicalKeys(defaults map[string]any) map[string]string {
	out := make(map[string]string)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for key, value := range m {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			out[strings.ToLower(path)] = path
			if nested, ok := value.(map[string]any); ok {
				walk(path, nested)
			}
		}
	}
	walk("", defaults)
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"worker": map[string]any{
			"command":        cfg.Worker.Command,
			"args":           cfg.Worker.Args,
			"dir":            cfg.Worker.Dir,
			"env":            cfg.Worker.Env,
			"readyTimeoutMs": cfg.Worker.ReadyTimeoutMs,
			"callTimeoutMs":  cfg.Worker.CallTimeoutMs,
			"pingTimeoutMs":  cfg.Worker.PingTimeoutMs,
			"chunkSize":      cfg.Worker.ChunkSize,
			"overlap":        cfg.Worker.Overlap,
			"embeddingModel": cfg.Worker.EmbeddingModel,
		},
		"banks": map[string]any{
			"dir":                 cfg.Banks.Dir,
			"primaryExt":          cfg.Banks.PrimaryExt,
			"indexExt":            cfg.Banks.IndexExt,
			"metadataExt":         cfg.Banks.MetadataExt,
			"registryFile":        cfg.Banks.RegistryFile,
			"watch":               cfg.Banks.Watch,
			"validationCacheSecs": cfg.Banks.ValidationCacheSecs,
			"minPrimaryBytes":     cfg.Banks.MinPrimaryBytes,
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"maxSize":    cfg.Cache.MaxSize,
			"ttlMinutes": cfg.Cache.TTLMinutes,
			"namespace":  cfg.Cache.Namespace,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"health": map[string]any{
			"enabled":                cfg.Health.Enabled,
			"checkIntervalMs":        cfg.Health.CheckIntervalMs,
			"bridgeTimeoutMs":        cfg.Health.BridgeTimeoutMs,
			"memoryThresholdPercent": cfg.Health.MemoryThresholdPercent,
			"diskThresholdPercent":   cfg.Health.DiskThresholdPercent,
		},
		"resilience": map[string]any{
			"maxAttempts":       cfg.Resilience.MaxAttempts,
			"baseDelayMs":       cfg.Resilience.BaseDelayMs,
			"maxDelayMs":        cfg.Resilience.MaxDelayMs,
			"backoffMultiplier": cfg.Resilience.BackoffMultiplier,
			"failureThreshold":  cfg.Resilience.FailureThreshold,
			"resetTimeoutMs":    cfg.Resilience.ResetTimeoutMs,
		},
		"search": map[string]any{
			"defaultTopK":           cfg.Search.DefaultTopK,
			"minScore":              cfg.Search.MinScore,
			"maxContextTokens":      cfg.Search.MaxContextTokens,
			"maxConcurrentSearches": cfg.Search.MaxConcurrentSearches,
			"contextTemplate":       cfg.Search.ContextTemplate,
			"templatesFolder":       cfg.Search.TemplatesFolder,
			"contextTemplateFile":   cfg.Search.ContextTemplateFile,
		},
	}
}
