package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// Usage is a used/total pair with the derived percentage.
type Usage struct {
	Used       uint64  `json:"used"`
	Total      uint64  `json:"total"`
	Percentage float64 `json:"percentage"`
}

func newUsage(used, total uint64) Usage {
	u := Usage{Used: used, Total: total}
	if total > 0 {
		u.Percentage = float64(used) / float64(total) * 100
	}
	return u
}

// ResourceSampler reports host memory and disk usage.
type ResourceSampler interface {
	Memory(ctx context.Context) (Usage, error)
	Disk(ctx context.Context, path string) (Usage, error)
}

// SystemSampler reads memory from procfs and disk usage from statfs.
type SystemSampler struct {
	// ProcRoot overrides the procfs mount point; empty means /proc.
	ProcRoot string
}

// Memory reports MemTotal minus MemAvailable.
func (s SystemSampler) Memory(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	root := s.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return Usage{}, fmt.Errorf("health: open procfs: %w", err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return Usage{}, fmt.Errorf("health: read meminfo: %w", err)
	}
	if info.MemTotal == nil {
		return Usage{}, errors.New("health: meminfo missing MemTotal")
	}
	available := info.MemAvailable
	if available == nil {
		available = info.MemFree
	}
	if available == nil {
		return Usage{}, errors.New("health: meminfo missing MemAvailable")
	}
	total := *info.MemTotal * 1024
	free := *available * 1024
	return newUsage(total-min(free, total), total), nil
}

// Disk reports the usage of the filesystem holding path.
func (s SystemSampler) Disk(ctx context.Context, path string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	return diskUsage(path)
}
