package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/bankbridge/internal/metrics"
)

// Intent is the operation a readiness check is made for.
type Intent string

const (
	IntentCreate Intent = "create"
	IntentSearch Intent = "search"
	IntentUpdate Intent = "update"
)

// FileStatus records what was found for one artifact.
type FileStatus struct {
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Files groups the per-artifact status.
type Files struct {
	Primary  FileStatus `json:"primary"`
	Index    FileStatus `json:"index"`
	Metadata FileStatus `json:"metadata"`
}

func (f *Files) status(a Artifact) *FileStatus {
	switch a {
	case ArtifactIndex:
		return &f.Index
	case ArtifactMetadata:
		return &f.Metadata
	default:
		return &f.Primary
	}
}

// Validation is the outcome of checking one bank's artifacts. A newer
// validation for the same bank replaces the previous one.
type Validation struct {
	Bank        string    `json:"bankName"`
	Valid       bool      `json:"isValid"`
	Exists      bool      `json:"exists"`
	Files       Files     `json:"files"`
	Errors      []string  `json:"errors"`
	Warnings    []string  `json:"warnings"`
	ValidatedAt time.Time `json:"lastValidated"`

	relaxed   bool
	integrity bool
}

// Options selects how strict a validation is.
type Options struct {
	// CheckIntegrity parses the metadata document and checks the primary
	// artifact against the minimum plausible size.
	CheckIntegrity bool
	// Relaxed treats the primary artifact alone as sufficient. Missing index
	// or metadata files are then reported as warnings.
	Relaxed bool
}

// Outcome pairs a bank name with either its validation or the failure that
// prevented one.
type Outcome struct {
	Bank       string      `json:"bank"`
	Validation *Validation `json:"validation,omitempty"`
	Err        error       `json:"-"`
}

// MarshalJSON renders Err as a string.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(o)}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// CleanupResult lists the banks removed (or that would be removed) by
// CleanupInvalid and the failures encountered on the way.
type CleanupResult struct {
	DryRun  bool     `json:"dryRun"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors"`
}

// Stats summarizes the validation cache.
type Stats struct {
	CacheSize int     `json:"cacheSize"`
	Hits      int64   `json:"cacheHits"`
	Misses    int64   `json:"cacheMisses"`
	HitRate   float64 `json:"cacheHitRate"`
}

// Config wires a Validator.
type Config struct {
	Layout          Layout
	CacheTTL        time.Duration
	MinPrimaryBytes int64
	Concurrency     int
	Clock           func() time.Time
	Logger          *slog.Logger
	Metrics         *metrics.Recorder

	// Stat and ReadFile default to the os package.
	Stat     func(string) (fs.FileInfo, error)
	ReadFile func(string) ([]byte, error)
}

// Validator checks bank artifact sets and caches the outcome per bank.
type Validator struct {
	layout      Layout
	ttl         time.Duration
	minPrimary  int64
	concurrency int
	clock       func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Recorder
	stat        func(string) (fs.FileInfo, error)
	readFile    func(string) ([]byte, error)

	mu     sync.Mutex
	cache  map[string]Validation
	hits   int64
	misses int64
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MinPrimaryBytes <= 0 {
		cfg.MinPrimaryBytes = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stat == nil {
		cfg.Stat = os.Stat
	}
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}
	return &Validator{
		layout:      cfg.Layout.normalize(),
		ttl:         cfg.CacheTTL,
		minPrimary:  cfg.MinPrimaryBytes,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(slog.String("agent", "bank_validator")),
		metrics:     cfg.Metrics,
		stat:        cfg.Stat,
		readFile:    cfg.ReadFile,
		cache:       make(map[string]Validation),
	}
}

// Layout returns the artifact layout the validator checks.
func (v *Validator) Layout() Layout { return v.layout }

// Validate inspects the bank's artifacts now and caches the result. Problems
// with the artifacts are reported inside the Validation; the error return is
// reserved for invalid names and cancellation.
func (v *Validator) Validate(ctx context.Context, name string, opts Options) (Validation, error) {
	if err := ctx.Err(); err != nil {
		return Validation{}, err
	}
	paths, err := v.layout.Paths(name)
	if err != nil {
		v.metrics.ObserveBankValidation("error")
		return Validation{}, err
	}

	start := time.Now()
	val := Validation{
		Bank:        name,
		Errors:      []string{},
		Warnings:    []string{},
		ValidatedAt: v.clock(),
		relaxed:     opts.Relaxed,
		integrity:   opts.CheckIntegrity,
	}
	for _, item := range paths.each() {
		v.inspect(&val, item.artifact, item.path, opts)
	}
	val.Exists = val.Files.Primary.Exists
	if opts.Relaxed {
		val.Valid = val.Files.Primary.Exists && len(val.Errors) == 0
	} else {
		val.Valid = val.Files.Primary.Exists && val.Files.Index.Exists && val.Files.Metadata.Exists && len(val.Errors) == 0
	}

	v.mu.Lock()
	v.cache[name] = val
	v.mu.Unlock()

	result := "valid"
	if !val.Valid {
		result = "invalid"
	}
	v.metrics.ObserveBankValidation(result)
	if v.logger.Enabled(ctx, slog.LevelDebug) {
		v.logger.DebugContext(ctx, "bank validated",
			slog.String("bank", name),
			slog.Bool("valid", val.Valid),
			slog.Bool("exists", val.Exists),
			slog.Duration("latency", time.Since(start)),
		)
	}
	if len(val.Errors) > 0 && val.Exists {
		v.logger.WarnContext(ctx, "bank validation errors", slog.String("bank", name), slog.Any("errors", val.Errors))
	}
	return cloneValidation(val), nil
}

func (v *Validator) inspect(val *Validation, artifact Artifact, path string, opts Options) {
	status := val.Files.status(artifact)
	label := strings.ToUpper(string(artifact))
	info, err := v.stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		msg := fmt.Sprintf("Missing %s file: %s", label, path)
		if opts.Relaxed && artifact != ArtifactPrimary {
			val.Warnings = append(val.Warnings, msg)
		} else {
			val.Errors = append(val.Errors, msg)
		}
		return
	case err != nil:
		msg := fmt.Sprintf("Error checking %s file: %v", artifact, err)
		status.Error = msg
		val.Errors = append(val.Errors, msg)
		return
	}

	status.Exists = true
	status.Size = info.Size()
	if info.Size() == 0 {
		val.Warnings = append(val.Warnings, fmt.Sprintf("%s file is empty: %s", label, path))
	}
	if !opts.CheckIntegrity {
		return
	}
	switch artifact {
	case ArtifactPrimary:
		if info.Size() < v.minPrimary {
			val.Warnings = append(val.Warnings, fmt.Sprintf("%s file suspiciously small: %d bytes", label, info.Size()))
		}
	case ArtifactMetadata:
		data, err := v.readFile(path)
		if err == nil && !json.Valid(data) {
			err = errors.New("metadata is not valid JSON")
		}
		if err != nil {
			msg := fmt.Sprintf("File integrity check failed for %s: %v", artifact, err)
			status.Error = msg
			val.Errors = append(val.Errors, msg)
		}
	}
}

// Cached returns the cached validation when it is younger than the cache
// window and was produced with the same options; otherwise it validates.
func (v *Validator) Cached(ctx context.Context, name string, opts Options) (Validation, error) {
	now := v.clock()
	v.mu.Lock()
	cached, ok := v.cache[name]
	if ok && now.Sub(cached.ValidatedAt) < v.ttl && cached.relaxed == opts.Relaxed && cached.integrity == opts.CheckIntegrity {
		v.hits++
		v.mu.Unlock()
		return cloneValidation(cached), nil
	}
	v.misses++
	v.mu.Unlock()
	return v.Validate(ctx, name, opts)
}

// IsReady reports whether the bank can be used for intent. It always
// validates afresh. Invalid names are never ready.
func (v *Validator) IsReady(ctx context.Context, name string, intent Intent) (bool, error) {
	opts := Options{Relaxed: intent != IntentUpdate}
	val, err := v.Validate(ctx, name, opts)
	if err != nil {
		if errors.Is(err, ErrInvalidName) {
			return false, nil
		}
		return false, err
	}
	switch intent {
	case IntentCreate:
		return !val.Exists, nil
	case IntentSearch:
		return val.Files.Primary.Exists, nil
	default:
		return val.Valid, nil
	}
}

// ValidateMany validates every name independently. The result has one
// Outcome per name in input order; a failure or panic while validating one
// bank is recorded in its Outcome and does not affect the others.
func (v *Validator) ValidateMany(ctx context.Context, names []string, opts Options) []Outcome {
	return v.many(ctx, names, opts, v.Validate)
}

// CachedMany is ValidateMany served through the validation cache.
func (v *Validator) CachedMany(ctx context.Context, names []string, opts Options) []Outcome {
	return v.many(ctx, names, opts, v.Cached)
}

func (v *Validator) many(ctx context.Context, names []string, opts Options, check func(context.Context, string, Options) (Validation, error)) []Outcome {
	out := make([]Outcome, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, name := range names {
		out[i].Bank = name
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i].Err = fmt.Errorf("validator: validate %s panicked: %v", name, r)
					v.metrics.ObserveBankValidation("error")
					v.logger.ErrorContext(gctx, "bank validation panicked", slog.String("bank", name), slog.Any("panic", r))
				}
			}()
			val, err := check(gctx, name, opts)
			if err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Validation = &val
			return nil
		})
	}
	_ = g.Wait()

	valid := 0
	for _, o := range out {
		if o.Validation != nil && o.Validation.Valid {
			valid++
		}
	}
	v.logger.DebugContext(ctx, "bank validation complete", slog.Int("valid", valid), slog.Int("total", len(names)))
	return out
}

// Available lists the banks whose primary artifact exists, sorted by name. A
// missing bank directory yields an empty list. It only stats the primary
// artifact and leaves the validation cache alone.
func (v *Validator) Available(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(v.layout.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("validator: read bank dir: %w", err)
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(entry.Name(), v.layout.PrimaryExt)
		if !ok || CheckName(name) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths, err := v.layout.Paths(name)
		if err != nil {
			continue
		}
		if info, err := v.stat(paths.Primary); err == nil && !info.IsDir() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// CleanupInvalid finds banks whose artifact set is incomplete or damaged. In
// dry-run mode it only reports them; otherwise it deletes their artifacts.
func (v *Validator) CleanupInvalid(ctx context.Context, dryRun bool) (CleanupResult, error) {
	result := CleanupResult{DryRun: dryRun, Removed: []string{}, Errors: []string{}}
	names, err := v.Available(ctx)
	if err != nil {
		return result, err
	}
	for _, name := range names {
		val, err := v.Validate(ctx, name, Options{CheckIntegrity: true})
		if err != nil {
			if ctx.Err() != nil {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("Failed to validate %s: %v", name, err))
			continue
		}
		if val.Valid || len(val.Errors) == 0 {
			continue
		}
		v.logger.WarnContext(ctx, "invalid bank found", slog.String("bank", name), slog.Any("errors", val.Errors), slog.Bool("dry_run", dryRun))
		if dryRun {
			result.Removed = append(result.Removed, name)
			continue
		}
		if err := v.removeArtifacts(name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Failed to remove %s: %v", name, err))
			v.logger.ErrorContext(ctx, "bank cleanup failed", slog.String("bank", name), slog.Any("error", err))
			continue
		}
		v.Forget(name)
		result.Removed = append(result.Removed, name)
	}
	v.logger.InfoContext(ctx, "bank cleanup complete", slog.Int("removed", len(result.Removed)), slog.Bool("dry_run", dryRun))
	return result, nil
}

func (v *Validator) removeArtifacts(name string) error {
	paths, err := v.layout.Paths(name)
	if err != nil {
		return err
	}
	var errs []error
	for _, item := range paths.each() {
		if err := os.Remove(item.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget drops cached validations for names.
func (v *Validator) Forget(names ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, name := range names {
		delete(v.cache, name)
	}
}

// ClearCache drops every cached validation.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[string]Validation)
	v.mu.Unlock()
	v.logger.Debug("validation cache cleared")
}

// Stats reports validation cache usage.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	stats := Stats{CacheSize: len(v.cache), Hits: v.hits, Misses: v.misses}
	if total := v.hits + v.misses; total > 0 {
		stats.HitRate = math.Round(float64(v.hits)/float64(total)*10000) / 100
	}
	return stats
}

func cloneValidation(in Validation) Validation {
	out := in
	out.Errors = slices.Clone(in.Errors)
	out.Warnings = slices.Clone(in.Warnings)
	return out
}
