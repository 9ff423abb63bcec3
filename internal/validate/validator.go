package validate

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/schaermu/assetsync/internal/bufpool"
	"github.com/schaermu/assetsync/internal/hashcache"
	"github.com/schaermu/assetsync/internal/metrics"
)

// Mode selects how thoroughly a file is checked.
type Mode string

const (
	// ModeQuick compares sizes only.
	ModeQuick Mode = "quick"
	// ModeDeep compares sizes and MD5 digests.
	ModeDeep Mode = "deep"
)

// Validator decides whether files on disk match their manifest entries.
type Validator struct {
	cache  hashcache.Store
	pool   *bufpool.Pool
	logger *slog.Logger
}

// NewValidator creates a validator hashing in chunkSize reads. A nil cache
// disables memoization; chunkSize <= 0 uses bufpool.DefaultSize.
func NewValidator(cache hashcache.Store, chunkSize int, logger *slog.Logger) *Validator {
	if chunkSize <= 0 {
		chunkSize = bufpool.DefaultSize
	}
	return &Validator{
		cache:  cache,
		pool:   bufpool.New(chunkSize),
		logger: logger,
	}
}

// QuickCheck reports whether path exists with exactly size bytes. A missing
// file is reported as invalid, not as an error.
func (v *Validator) QuickCheck(path string, size int64) (bool, error) {
	info, ok, err := statFile(path)
	if err != nil || !ok {
		return false, err
	}
	return info.Size() == size, nil
}

// DeepCheck reports whether path has exactly size bytes and an MD5 equal to
// digest (case-insensitive). onChunk, if set, receives the byte count of
// every chunk read; a cache hit reports the whole size at once.
func (v *Validator) DeepCheck(path string, size int64, digest string, onChunk func(int64)) (bool, error) {
	info, ok, err := statFile(path)
	if err != nil || !ok {
		return false, err
	}
	if info.Size() != size {
		return false, nil
	}

	key := hashcache.Key{Path: path, ModTime: info.ModTime(), Size: info.Size()}
	if v.cache != nil {
		cached, hit, err := v.cache.Get(key)
		if err != nil {
			v.logger.Debug("hash cache lookup failed", "path", path, "error", err)
		} else if hit {
			metrics.RecordHashCacheHit()
			if onChunk != nil {
				onChunk(size)
			}
			return strings.EqualFold(cached, digest), nil
		}
	}

	sum, stable, err := v.hashFile(path, info, onChunk)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if v.cache != nil && stable {
		if err := v.cache.Put(key, sum); err != nil {
			v.logger.Debug("hash cache store failed", "path", path, "error", err)
		}
	}
	return strings.EqualFold(sum, digest), nil
}

// hashFile streams path through MD5. stable is false when the file changed
// while it was being read, in which case the digest must not be cached.
func (v *Validator) hashFile(path string, before fs.FileInfo, onChunk func(int64)) (sum string, stable bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	for chunk, err := range v.pool.Chunks(f) {
		if err != nil {
			return "", false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		h.Write(chunk)
		if onChunk != nil {
			onChunk(int64(len(chunk)))
		}
	}

	after, err := f.Stat()
	stable = err == nil && after.Size() == before.Size() && after.ModTime().Equal(before.ModTime())
	return hex.EncodeToString(h.Sum(nil)), stable, nil
}

// statFile returns ok=false for paths that do not exist or are not regular files.
func statFile(path string) (fs.FileInfo, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, nil
	}
	return info, true, nil
}
