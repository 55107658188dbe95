//go:build !(linux || darwin || freebsd)

package health

import (
	"errors"
	"fmt"
)

func diskUsage(path string) (Usage, error) {
	return Usage{}, fmt.Errorf("health: disk usage for %s: %w", path, errors.ErrUnsupported)
}
