package main

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/tinyagg/pkg/config"
)

// diskUsage reports cmd/server's on-disk footprint for the health endpoint,
// broken down by the two physically distinct persistent components this
// server writes: the badger database and the binlog replication log. A flat
// total would hide which one is actually growing when storage pressure
// trips the health check.
type diskUsage struct {
	UsedBytes   int64            `json:"used_bytes"`
	MaxBytes    int64            `json:"max_bytes"`
	ByComponent map[string]int64 `json:"by_component,omitempty"`
}

// storageMonitor tracks disk usage under dataDir with caching, so a burst
// of /v1/health requests doesn't each pay for a full directory walk.
type storageMonitor struct {
	dataDir     string
	maxBytes    int64
	mu          sync.RWMutex
	cachedUsage diskUsage
	lastCheck   time.Time
}

func newStorageMonitor(dataDir string, maxBytes int64) *storageMonitor {
	return &storageMonitor{dataDir: dataDir, maxBytes: maxBytes}
}

func (sm *storageMonitor) usage() (diskUsage, error) {
	sm.mu.RLock()
	if time.Since(sm.lastCheck) < config.StorageCacheDuration {
		cached := sm.cachedUsage
		sm.mu.RUnlock()
		return cached, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if time.Since(sm.lastCheck) < config.StorageCacheDuration {
		return sm.cachedUsage, nil
	}

	byComponent, total, err := calculateDirSizeByComponent(sm.dataDir)
	if err != nil {
		return diskUsage{}, err
	}
	sm.cachedUsage = diskUsage{UsedBytes: total, MaxBytes: sm.maxBytes, ByComponent: byComponent}
	sm.lastCheck = time.Now()
	return sm.cachedUsage, nil
}

// calculateDirSizeByComponent sums actual disk usage rather than logical
// file size, so sparse badger value-log files don't overstate how much disk
// they occupy, and attributes each top-level entry under path (badger/,
// binlog/, or any loose file) to its own bucket in the returned map so the
// two components' growth can be told apart.
func calculateDirSizeByComponent(path string) (map[string]int64, int64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, 0, nil
		}
		return nil, 0, err
	}

	byComponent := make(map[string]int64, len(entries))
	var total int64
	for _, entry := range entries {
		size, err := calculateDirSize(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, 0, err
		}
		byComponent[entry.Name()] = size
		total += size
	}
	return byComponent, total, nil
}

// calculateDirSize sums actual disk usage under path, whether path is a
// single file or a directory tree.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		actual, serr := getActualFileSize(filePath, info)
		if serr != nil {
			size += info.Size()
			return nil
		}
		size += actual
		return nil
	})
	return size, err
}
