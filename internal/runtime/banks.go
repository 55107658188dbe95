package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/registry"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

type encodeParams struct {
	Sources        []pipeline.Source `json:"sources"`
	OutputPath     string            `json:"output_path"`
	ChunkSize      int               `json:"chunk_size"`
	Overlap        int               `json:"overlap"`
	EmbeddingModel string            `json:"embedding_model"`
}

type encodeReply struct {
	Success       bool   `json:"success"`
	ChunksCreated int    `json:"chunks_created"`
	Error         string `json:"error,omitempty"`
}

type addContentParams struct {
	BankPath  string                   `json:"bank_path"`
	Content   string                   `json:"content"`
	Metadata  pipeline.ContentMetadata `json:"metadata"`
	ChunkSize int                      `json:"chunk_size"`
	Overlap   int                      `json:"overlap"`
}

type addContentReply struct {
	Success     bool   `json:"success"`
	ChunksAdded int    `json:"chunks_added"`
	Error       string `json:"error,omitempty"`
}

type statsParams struct {
	BankPath string `json:"bank_path"`
}

type statsReply struct {
	Chunks int   `json:"chunks"`
	Size   int64 `json:"size"`
}

// CreateBank encodes the sources into a new bank and registers it. A bank
// that already exists on disk or in the registry is rejected before the
// worker is contacted.
func (s *Service) CreateBank(ctx context.Context, req pipeline.CreateBankRequest) (pipeline.CreateBankResponse, error) {
	logger := s.requestLogger(ctx, slog.String("bank", req.Name))
	if err := checkName(req.Name); err != nil {
		return pipeline.CreateBankResponse{}, err
	}
	if len(req.Sources) == 0 {
		return pipeline.CreateBankResponse{}, resilience.InvalidParameters("At least one source is required", "Provide one or more files or directories to encode")
	}
	for _, src := range req.Sources {
		if strings.TrimSpace(src.Path) == "" {
			return pipeline.CreateBankResponse{}, resilience.InvalidParameters("Source path cannot be empty", "Provide a path for every source")
		}
	}

	free, err := s.validator.IsReady(ctx, req.Name, validator.IntentCreate)
	if err != nil {
		return pipeline.CreateBankResponse{}, resilience.Classify(err)
	}
	if !free {
		return pipeline.CreateBankResponse{}, resilience.BankExists(req.Name)
	}
	if _, err := s.registry.Get(ctx, req.Name); err == nil {
		return pipeline.CreateBankResponse{}, resilience.BankExists(req.Name).WithContext("registered", true)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return pipeline.CreateBankResponse{}, resilience.Classify(err)
	}

	paths, err := s.validator.Layout().Paths(req.Name)
	if err != nil {
		return pipeline.CreateBankResponse{}, resilience.InvalidBankName(req.Name, err)
	}
	logger.InfoContext(ctx, "creating bank", slog.Int("sources", len(req.Sources)), slog.String("output_path", paths.Primary))

	params := encodeParams{
		Sources:        req.Sources,
		OutputPath:     paths.Primary,
		ChunkSize:      s.encoding.ChunkSize,
		Overlap:        s.encoding.Overlap,
		EmbeddingModel: s.encoding.EmbeddingModel,
	}
	reply, err := call(ctx, s, "encode", params, func(r encodeReply) error {
		if !r.Success {
			return resilience.EncodingFailure(req.Name, r.Error)
		}
		return nil
	}, resilience.WithFields(map[string]any{"bank": req.Name, "sources": len(req.Sources)}))
	if err != nil {
		logger.ErrorContext(ctx, "bank encoding failed", slog.Any("error", err))
		return pipeline.CreateBankResponse{}, err
	}

	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = fmt.Sprintf("Memory bank created from %d sources", len(req.Sources))
	}
	if _, err := s.registry.Register(ctx, pipeline.BankInfo{
		Name:        req.Name,
		Description: description,
		Size:        reply.ChunksCreated,
		Tags:        slices.Clone(req.Tags),
		FilePath:    paths.Primary,
	}); err != nil {
		logger.ErrorContext(ctx, "bank registration failed", slog.Any("error", err))
		return pipeline.CreateBankResponse{}, resilience.Classify(err).WithContext("bank", req.Name)
	}
	s.invalidate(ctx, req.Name)

	logger.InfoContext(ctx, "bank created", slog.Int("chunks", reply.ChunksCreated))
	return pipeline.CreateBankResponse{
		Success:       true,
		Message:       fmt.Sprintf("Memory bank '%s' created successfully", req.Name),
		BankName:      req.Name,
		FilePath:      paths.Primary,
		ChunksCreated: reply.ChunksCreated,
	}, nil
}

// AddContent appends content to a registered bank. The worker call is made
// once: add_content is not idempotent.
func (s *Service) AddContent(ctx context.Context, req pipeline.AddContentRequest) (pipeline.AddContentResponse, error) {
	logger := s.requestLogger(ctx, slog.String("bank", req.Bank))
	if err := checkName(req.Bank); err != nil {
		return pipeline.AddContentResponse{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return pipeline.AddContentResponse{}, resilience.InvalidParameters("Content cannot be empty", "Provide the text to add")
	}
	info, err := s.registered(ctx, req.Bank)
	if err != nil {
		return pipeline.AddContentResponse{}, err
	}

	params := addContentParams{
		BankPath:  s.bankPath(info),
		Content:   req.Content,
		ChunkSize: s.encoding.ChunkSize,
		Overlap:   s.encoding.Overlap,
	}
	if req.Metadata != nil {
		params.Metadata = *req.Metadata
	}
	reply, err := call(ctx, s, "add_content", params, func(r addContentReply) error {
		if !r.Success {
			return resilience.EncodingFailure(req.Bank, r.Error)
		}
		return nil
	}, resilience.NoRetry(), resilience.WithFields(map[string]any{"bank": req.Bank}))
	if err != nil {
		logger.ErrorContext(ctx, "add content failed", slog.Any("error", err))
		return pipeline.AddContentResponse{}, err
	}

	// The content is in the bank at this point; a registry write failure only
	// leaves the recorded size stale.
	if _, err := s.registry.Update(ctx, req.Bank, func(b *pipeline.BankInfo) {
		b.Size += reply.ChunksAdded
	}); err != nil {
		logger.WarnContext(ctx, "registry size update failed", slog.Any("error", err))
	}
	s.invalidate(ctx, req.Bank)

	logger.InfoContext(ctx, "content added", slog.Int("chunks", reply.ChunksAdded))
	return pipeline.AddContentResponse{
		Success:     true,
		Message:     fmt.Sprintf("Content added to memory bank '%s'", req.Bank),
		ChunksAdded: reply.ChunksAdded,
	}, nil
}

// GetStats asks the worker for a bank's chunk count and size.
func (s *Service) GetStats(ctx context.Context, name string) (pipeline.BankStats, error) {
	if err := checkName(name); err != nil {
		return pipeline.BankStats{}, err
	}
	ready, err := s.validator.IsReady(ctx, name, validator.IntentSearch)
	if err != nil {
		return pipeline.BankStats{}, resilience.Classify(err)
	}
	if !ready {
		return pipeline.BankStats{}, resilience.BankNotFound(name)
	}
	paths, err := s.validator.Layout().Paths(name)
	if err != nil {
		return pipeline.BankStats{}, resilience.InvalidBankName(name, err)
	}
	reply, err := call[statsReply](ctx, s, "stats", statsParams{BankPath: paths.Primary}, nil,
		resilience.WithFields(map[string]any{"bank": name}))
	if err != nil {
		return pipeline.BankStats{}, err
	}
	return pipeline.BankStats{Bank: name, Chunks: reply.Chunks, Size: reply.Size}, nil
}

// ListBanks returns registered banks whose artifacts are present on disk. With
// includeStats the recorded size is replaced by the worker's chunk count;
// banks whose stats cannot be read keep the recorded size.
func (s *Service) ListBanks(ctx context.Context, includeStats bool) (pipeline.ListBanksResponse, error) {
	logger := s.requestLogger(ctx)
	entries, err := s.registry.List(ctx)
	if err != nil {
		return pipeline.ListBanksResponse{}, resilience.Classify(err)
	}
	available, err := s.validator.Available(ctx)
	if err != nil {
		return pipeline.ListBanksResponse{}, resilience.Classify(err)
	}

	banks := make([]pipeline.BankInfo, 0, len(entries))
	for _, entry := range entries {
		if _, found := slices.BinarySearch(available, entry.Name); !found {
			logger.DebugContext(ctx, "registered bank missing on disk", slog.String("bank", entry.Name))
			continue
		}
		if includeStats {
			stats, err := s.GetStats(ctx, entry.Name)
			if err != nil {
				logger.WarnContext(ctx, "bank stats unavailable", slog.String("bank", entry.Name), slog.Any("error", err))
			} else {
				entry.Size = stats.Chunks
			}
		}
		banks = append(banks, entry)
	}
	return pipeline.ListBanksResponse{Banks: banks, TotalCount: len(banks)}, nil
}

// CleanupInvalidBanks removes banks with incomplete or damaged artifacts and
// drops their registry entries. Dry runs only report.
func (s *Service) CleanupInvalidBanks(ctx context.Context, dryRun bool) (validator.CleanupResult, error) {
	result, err := s.validator.CleanupInvalid(ctx, dryRun)
	if err != nil {
		return result, resilience.Classify(err)
	}
	if dryRun || len(result.Removed) == 0 {
		return result, nil
	}
	for _, name := range result.Removed {
		if err := s.registry.Remove(ctx, name, false); err != nil && !errors.Is(err, registry.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("Failed to unregister %s: %v", name, err))
		}
	}
	s.invalidate(ctx, result.Removed...)
	return result, nil
}

// InvalidateBanks forgets cached validations and search results that involve
// the named banks. The bank directory watcher calls it on every change.
func (s *Service) InvalidateBanks(ctx context.Context, names ...string) {
	if len(names) == 0 {
		return
	}
	s.invalidate(ctx, names...)
}

// bankPath prefers the registered primary artifact path and falls back to the
// layout for entries written without one.
func (s *Service) bankPath(info pipeline.BankInfo) string {
	if info.FilePath != "" {
		return info.FilePath
	}
	paths, err := s.validator.Layout().Paths(info.Name)
	if err != nil {
		return ""
	}
	return paths.Primary
}
