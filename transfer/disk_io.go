package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
)

var (
	// ErrFileNotFound means the block file does not exist.
	ErrFileNotFound = errors.New("block file not found")
	// ErrPathNotConfigured means the tier has no storage root.
	ErrPathNotConfigured = errors.New("storage path not configured")
)

// DiskStats counts disk engine activity.
type DiskStats struct {
	TotalWrites       uint64
	TotalReads        uint64
	TotalBytesWritten uint64
	TotalBytesRead    uint64
}

// DiskEngine reads and writes block payload files for the SSD and NFS
// tiers. Block files shard into subdirectories of 1000 ids each:
// <base>/<id/1000>/<id>.kvblock. External tooling depends on this
// layout.
type DiskEngine struct {
	localSsdPath string
	nfsPath      string

	mu    sync.Mutex
	stats DiskStats
}

// NewDiskEngine creates the engine and its storage roots. An empty
// nfsPath disables the NFS tier.
func NewDiskEngine(localSsdPath, nfsPath string) (*DiskEngine, error) {
	if err := os.MkdirAll(localSsdPath, 0o755); err != nil {
		return nil, fmt.Errorf("create SSD root %s: %w", localSsdPath, err)
	}
	if nfsPath != "" {
		if err := os.MkdirAll(nfsPath, 0o755); err != nil {
			return nil, fmt.Errorf("create NFS root %s: %w", nfsPath, err)
		}
	}
	return &DiskEngine{localSsdPath: localSsdPath, nfsPath: nfsPath}, nil
}

// BlockPath returns the file path a block maps to in a tier.
func (e *DiskEngine) BlockPath(blockID cache.BlockId, tier cache.Tier) (string, error) {
	var base string
	switch tier {
	case cache.TierLocalDisk:
		base = e.localSsdPath
	case cache.TierNfs:
		if e.nfsPath == "" {
			return "", fmt.Errorf("%w: %s", ErrPathNotConfigured, tier)
		}
		base = e.nfsPath
	default:
		return "", fmt.Errorf("%w: %s", ErrPathNotConfigured, tier)
	}
	shard := uint64(blockID) / 1000
	return filepath.Join(base, fmt.Sprintf("%d", shard), fmt.Sprintf("%d.kvblock", blockID)), nil
}

// WriteBlock writes a block's payload to the tier's storage root and
// returns the file path.
func (e *DiskEngine) WriteBlock(blockID cache.BlockId, data []byte, tier cache.Tier) (string, error) {
	path, err := e.BlockPath(blockID, tier)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir for block %d: %w", blockID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write block %d: %w", blockID, err)
	}

	e.mu.Lock()
	e.stats.TotalWrites++
	e.stats.TotalBytesWritten += uint64(len(data))
	e.mu.Unlock()

	logrus.Debugf("wrote block %d to %s (%d bytes, %s)", blockID, path, len(data), tier)
	return path, nil
}

// ReadBlock reads a block's payload from the tier's storage root.
func (e *DiskEngine) ReadBlock(blockID cache.BlockId, tier cache.Tier) ([]byte, error) {
	path, err := e.BlockPath(blockID, tier)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read block %d: %w", blockID, err)
	}

	e.mu.Lock()
	e.stats.TotalReads++
	e.stats.TotalBytesRead += uint64(len(data))
	e.mu.Unlock()

	return data, nil
}

// DeleteBlock removes a block's file from a tier. Deleting a file that
// is already gone is not an error.
func (e *DiskEngine) DeleteBlock(blockID cache.BlockId, tier cache.Tier) error {
	path, err := e.BlockPath(blockID, tier)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete block %d: %w", blockID, err)
	}
	return nil
}

// CopyBlock copies a block file between tiers without transforming the
// bytes, returning the destination path. The source file is retained.
func (e *DiskEngine) CopyBlock(blockID cache.BlockId, from, to cache.Tier) (string, error) {
	srcPath, err := e.BlockPath(blockID, from)
	if err != nil {
		return "", err
	}
	dstPath, err := e.BlockPath(blockID, to)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir for block %d: %w", blockID, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, srcPath)
		}
		return "", fmt.Errorf("open block %d: %w", blockID, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create block %d copy: %w", blockID, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return "", fmt.Errorf("copy block %d: %w", blockID, err)
	}

	e.mu.Lock()
	e.stats.TotalReads++
	e.stats.TotalWrites++
	e.stats.TotalBytesRead += uint64(n)
	e.stats.TotalBytesWritten += uint64(n)
	e.mu.Unlock()

	logrus.Debugf("copied block %d %s -> %s (%d bytes)", blockID, from, to, n)
	return dstPath, nil
}

// Stats returns a copy of the counters.
func (e *DiskEngine) Stats() DiskStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
