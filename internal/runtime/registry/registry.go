// Package registry persists bank names, descriptions and tags in a single
// JSON document next to the bank artifacts.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

// ErrNotFound is returned for operations on an unregistered bank.
var ErrNotFound = errors.New("registry: bank not found")

const formatVersion = "1.0.0"

type document struct {
	Banks       map[string]pipeline.BankInfo `json:"banks"`
	LastUpdated *time.Time                   `json:"last_updated"`
	Version     string                       `json:"version"`
}

// Registry is a file-backed bank registry. The document is re-read on every
// operation so edits made outside the process are picked up.
type Registry struct {
	path   string
	clock  func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// Options configures a Registry.
type Options struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// Open prepares the registry at path, creating its directory if needed. A
// missing file is treated as an empty registry.
func Open(path string, opts Options) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		path:   path,
		clock:  opts.Clock,
		logger: opts.Logger.With(slog.String("agent", "registry")),
	}, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Register adds or replaces a bank entry. Created and LastUpdated are set to
// the current time.
func (r *Registry) Register(ctx context.Context, bank pipeline.BankInfo) (pipeline.BankInfo, error) {
	if strings.TrimSpace(bank.Name) == "" {
		return pipeline.BankInfo{}, errors.New("registry: bank name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(ctx)
	if err != nil {
		return pipeline.BankInfo{}, err
	}
	now := r.clock().UTC()
	bank.Created, bank.LastUpdated = now, now
	if bank.Tags == nil {
		bank.Tags = []string{}
	}
	doc.Banks[bank.Name] = bank
	if err := r.save(doc); err != nil {
		return pipeline.BankInfo{}, err
	}
	r.logger.InfoContext(ctx, "bank registered", slog.String("bank", bank.Name), slog.String("file_path", bank.FilePath))
	return bank, nil
}

// Get returns the entry for name.
func (r *Registry) Get(ctx context.Context, name string) (pipeline.BankInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(ctx)
	if err != nil {
		return pipeline.BankInfo{}, err
	}
	bank, ok := doc.Banks[name]
	if !ok {
		return pipeline.BankInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return bank, nil
}

// List returns every entry sorted by name.
func (r *Registry) List(ctx context.Context) ([]pipeline.BankInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.BankInfo, 0, len(doc.Banks))
	for _, bank := range doc.Banks {
		out = append(out, bank)
	}
	slices.SortFunc(out, func(a, b pipeline.BankInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Update applies mutate to the entry for name and stamps LastUpdated. The
// name and creation time cannot be changed.
func (r *Registry) Update(ctx context.Context, name string, mutate func(*pipeline.BankInfo)) (pipeline.BankInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(ctx)
	if err != nil {
		return pipeline.BankInfo{}, err
	}
	bank, ok := doc.Banks[name]
	if !ok {
		return pipeline.BankInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	created := bank.Created
	if mutate != nil {
		mutate(&bank)
	}
	bank.Name, bank.Created = name, created
	bank.LastUpdated = r.clock().UTC()
	doc.Banks[name] = bank
	if err := r.save(doc); err != nil {
		return pipeline.BankInfo{}, err
	}
	r.logger.InfoContext(ctx, "bank updated", slog.String("bank", name))
	return bank, nil
}

// Remove drops the entry for name. When deleteFile is set the entry's file
// is removed too; failing to do so is logged and does not fail the call.
func (r *Registry) Remove(ctx context.Context, name string, deleteFile bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(ctx)
	if err != nil {
		return err
	}
	bank, ok := doc.Banks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if deleteFile && bank.FilePath != "" {
		if err := os.Remove(bank.FilePath); err != nil {
			r.logger.WarnContext(ctx, "bank file not deleted", slog.String("bank", name), slog.Any("error", err))
		}
	}
	delete(doc.Banks, name)
	if err := r.save(doc); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "bank removed", slog.String("bank", name), slog.Bool("delete_file", deleteFile))
	return nil
}

func (r *Registry) load(ctx context.Context) (document, error) {
	if err := ctx.Err(); err != nil {
		return document{}, err
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{Banks: map[string]pipeline.BankInfo{}, Version: formatVersion}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("registry: decode %s: %w", r.path, err)
	}
	if doc.Banks == nil {
		doc.Banks = map[string]pipeline.BankInfo{}
	}
	for name, bank := range doc.Banks {
		if bank.Name == "" {
			bank.Name = name
			doc.Banks[name] = bank
		}
	}
	if doc.Version == "" {
		doc.Version = formatVersion
	}
	return doc, nil
}

// save writes the document through a temporary file so readers never see a
// partial registry.
func (r *Registry) save(doc document) error {
	now := r.clock().UTC()
	doc.LastUpdated = &now
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: replace %s: %w", r.path, err)
	}
	return nil
}
