package pipeline

import "time"

// ContentMetadata is the per-chunk metadata the worker stores alongside content.
type ContentMetadata struct {
	Source    string   `json:"source,omitempty"`
	Category  string   `json:"category,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// SearchResult is one scored chunk returned by a bank search.
type SearchResult struct {
	Content  string          `json:"content"`
	Score    float64         `json:"score"`
	Source   string          `json:"source,omitempty"`
	Metadata ContentMetadata `json:"metadata"`
	BankName string          `json:"bank_name"`
}

// DateRange bounds metadata timestamps. Either side may be empty.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// LengthRange bounds content length in characters. Zero disables a side.
type LengthRange struct {
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

// SearchFilters narrows search results after the worker has scored them.
// MinFileSize and MaxFileSize are accepted for compatibility and take part in
// the cache key, but chunks carry no file size so they do not filter.
type SearchFilters struct {
	FileTypes     []string     `json:"file_types,omitempty"`
	DateRange     *DateRange   `json:"date_range,omitempty"`
	MinFileSize   int64        `json:"min_file_size,omitempty"`
	MaxFileSize   int64        `json:"max_file_size,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	ContentLength *LengthRange `json:"content_length,omitempty"`
	Expression    string       `json:"expression,omitempty"`
}

// Sort keys and orders accepted by SearchRequest.
const (
	SortRelevance     = "relevance"
	SortDate          = "date"
	SortFileSize      = "file_size"
	SortContentLength = "content_length"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// SearchRequest is the outward search operation input.
type SearchRequest struct {
	Query     string         `json:"query"`
	Banks     []string       `json:"memory_banks,omitempty"`
	TopK      int            `json:"top_k,omitempty"`
	MinScore  float64        `json:"min_score,omitempty"`
	Filters   *SearchFilters `json:"filters,omitempty"`
	SortBy    string         `json:"sort_by,omitempty"`
	SortOrder string         `json:"sort_order,omitempty"`
}

// BankFailure records a bank whose search failed while others succeeded.
type BankFailure struct {
	Bank    string `json:"bank"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SearchResponse is the outward search operation result.
type SearchResponse struct {
	Results       []SearchResult `json:"results"`
	TotalResults  int            `json:"total_results"`
	Query         string         `json:"query"`
	BanksSearched []string       `json:"banks_searched"`
	FromCache     bool           `json:"from_cache"`
	Failures      []BankFailure  `json:"failures,omitempty"`
}

// SourceOptions tunes how one source is chunked.
type SourceOptions struct {
	ChunkSize int      `json:"chunk_size,omitempty"`
	Overlap   int      `json:"overlap,omitempty"`
	FileTypes []string `json:"file_types,omitempty"`
}

// Source is one input to bank creation.
type Source struct {
	Type    string         `json:"type"`
	Path    string         `json:"path"`
	Content string         `json:"content,omitempty"`
	Options *SourceOptions `json:"options,omitempty"`
}

// CreateBankRequest is the outward createBank operation input.
type CreateBankRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Sources     []Source `json:"sources"`
	Tags        []string `json:"tags,omitempty"`
}

// CreateBankResponse is the outward createBank operation result.
type CreateBankResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	BankName      string `json:"bank_name"`
	FilePath      string `json:"file_path,omitempty"`
	ChunksCreated int    `json:"chunks_created"`
}

// AddContentRequest is the outward addContent operation input.
type AddContentRequest struct {
	Bank     string           `json:"memory_bank"`
	Content  string           `json:"content"`
	Metadata *ContentMetadata `json:"metadata,omitempty"`
}

// AddContentResponse is the outward addContent operation result.
type AddContentResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ChunksAdded int    `json:"chunks_added"`
}

// BankStats is the worker's view of a bank.
type BankStats struct {
	Bank   string `json:"bank"`
	Chunks int    `json:"chunks"`
	Size   int64  `json:"size"`
}

// ContextRequest asks for a token-bounded context block built from search results.
type ContextRequest struct {
	Query           string   `json:"query"`
	Banks           []string `json:"memory_banks,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	IncludeMetadata bool     `json:"include_metadata,omitempty"`
}

// ContextSource summarizes one result that contributed to a context block.
type ContextSource struct {
	BankName       string  `json:"bank_name"`
	ContentPreview string  `json:"content_preview"`
	Score          float64 `json:"score"`
}

// ContextResponse is the assembled context block.
type ContextResponse struct {
	Context     string          `json:"context"`
	Sources     []ContextSource `json:"sources"`
	TotalTokens int             `json:"total_tokens"`
}

// BankInfo is a registry entry as listed to callers.
type BankInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Size        int       `json:"size"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"last_updated"`
	Tags        []string  `json:"tags"`
	FilePath    string    `json:"file_path"`
}

// ListBanksResponse is the outward listBanks operation result.
type ListBanksResponse struct {
	Banks      []BankInfo `json:"banks"`
	TotalCount int        `json:"total_count"`
}

// TemplateContext exposes a result to context block templates.
func (r SearchResult) TemplateContext(index int, includeMetadata bool) map[string]any {
	return map[string]any{
		"index":           index,
		"bank":            r.BankName,
		"content":         r.Content,
		"score":           r.Score,
		"source":          r.Metadata.Source,
		"metadata":        r.Metadata,
		"hasMetadata":     !r.Metadata.empty(),
		"includeMetadata": includeMetadata,
	}
}

func (m ContentMetadata) empty() bool {
	return m.Source == "" && m.Category == "" && len(m.Tags) == 0 && m.Timestamp == ""
}

// Activation exposes a result to filter expressions.
func (r SearchResult) Activation() map[string]any {
	tags := r.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"content":        r.Content,
		"score":          r.Score,
		"bank":           r.BankName,
		"source":         r.Metadata.Source,
		"category":       r.Metadata.Category,
		"tags":           tags,
		"timestamp":      r.Metadata.Timestamp,
		"content_length": int64(ContentLength(r.Content)),
	}
}
