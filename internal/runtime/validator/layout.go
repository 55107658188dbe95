package validator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidName marks a bank name that cannot be mapped onto artifact paths.
var ErrInvalidName = errors.New("validator: invalid bank name")

// Artifact names one member of a bank's sidecar set.
type Artifact string

const (
	ArtifactPrimary  Artifact = "primary"
	ArtifactIndex    Artifact = "index"
	ArtifactMetadata Artifact = "metadata"
)

// Layout maps bank names onto the artifact files kept in Dir.
type Layout struct {
	Dir         string
	PrimaryExt  string
	IndexExt    string
	MetadataExt string
}

// Paths holds the absolute or Dir-relative location of each artifact.
type Paths struct {
	Primary  string `json:"primary"`
	Index    string `json:"index"`
	Metadata string `json:"metadata"`
}

func (p Paths) each() []struct {
	artifact Artifact
	path     string
} {
	return []struct {
		artifact Artifact
		path     string
	}{
		{ArtifactPrimary, p.Primary},
		{ArtifactIndex, p.Index},
		{ArtifactMetadata, p.Metadata},
	}
}

func (l Layout) normalize() Layout {
	if l.Dir == "" {
		l.Dir = "."
	}
	if l.PrimaryExt == "" {
		l.PrimaryExt = ".mp4"
	}
	if l.IndexExt == "" {
		l.IndexExt = ".faiss"
	}
	if l.MetadataExt == "" {
		l.MetadataExt = ".json"
	}
	return l
}

// CheckName rejects names that are empty or would escape the bank directory.
func CheckName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case trimmed != name:
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Paths returns the artifact locations for name.
func (l Layout) Paths(name string) (Paths, error) {
	if err := CheckName(name); err != nil {
		return Paths{}, err
	}
	base := filepath.Join(l.Dir, name)
	return Paths{
		Primary:  base + l.PrimaryExt,
		Index:    base + l.IndexExt,
		Metadata: base + l.MetadataExt,
	}, nil
}

// BankName maps an artifact file path back to its bank name. The second
// return is false for files that are not bank artifacts.
func (l Layout) BankName(path string) (string, bool) {
	base := filepath.Base(path)
	for _, ext := range []string{l.PrimaryExt, l.IndexExt, l.MetadataExt} {
		if name, ok := strings.CutSuffix(base, ext); ok && name != "" {
			if CheckName(name) != nil {
				return "", false
			}
			return name, true
		}
	}
	return "", false
}
