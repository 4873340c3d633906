//go:build !darwin && !linux

package storage

import "fmt"

// detectFilesystemType has no portable implementation; OpenSQLite treats
// this error as "detection unavailable" and skips the network-mount check.
func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("filesystem type detection not supported on this platform")
}
