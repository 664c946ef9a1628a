//go:build !unix

package syscheck

import "errors"

func diskUsage(path string) (Disk, error) {
	return Disk{Path: path}, errors.New("disk usage not supported on this platform")
}
