//go:build !linux && !darwin

package health

import "errors"

func diskUsage(path string) (Disk, error) {
	return Disk{}, errors.ErrUnsupported
}
