package platform

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
)

// DiskEstimator reports the filesystem holding Path as the storage quota.
type DiskEstimator struct {
	Path string
}

func (d DiskEstimator) Estimate(ctx context.Context) (StorageEstimate, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.Path, &stat); err != nil {
		return StorageEstimate{}, fmt.Errorf("failed to check disk space: %w", err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)

	slog.Debug("Disk space check", "path", d.Path, "total_bytes", total, "free_bytes", free)

	return StorageEstimate{Usage: total - free, Quota: total}, nil
}
