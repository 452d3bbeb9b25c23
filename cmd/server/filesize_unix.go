//go:build !windows

package main

import (
	"os"
	"syscall"

	"github.com/nicktill/tinyagg/pkg/config"
)

// getActualFileSize reports a file's allocated disk usage rather than its
// logical size, so a sparse badger value-log or binlog segment file (one
// with holes punched by compaction/GC) doesn't inflate the reported total.
// stat.Blocks is always counted in 512-byte units regardless of the
// filesystem's own block size, hence the fixed config.DiskBlockSizeBytes
// rather than a value read off the filesystem.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return roundToBlock(info.Size()), nil
	}
	return stat.Blocks * config.DiskBlockSizeBytes, nil
}

// roundToBlock is the shared fallback both platform variants use when the
// OS-specific actual-size lookup is unavailable: round the logical size up
// to the nearest disk block rather than reporting a bare logical size that
// would understate usage for files backed by more than one block.
func roundToBlock(size int64) int64 {
	if size == 0 {
		return 0
	}
	return ((size + config.DiskBlockSizeBytes - 1) / config.DiskBlockSizeBytes) * config.DiskBlockSizeBytes
}
