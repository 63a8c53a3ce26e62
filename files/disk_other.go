//go:build !linux

package files

import "errors"

func usageOf(path string) (DiskUsage, error) {
	return DiskUsage{}, errors.ErrUnsupported
}
