// Package snapshot computes the content digest and metadata capture for a
// single filesystem entry. The digest algorithm is fixed (SHA-256, hex,
// "sha256:" prefixed) so baselines stay comparable across restarts.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/model"
)

const hashChunk = 64 * 1024

// Computer bounds digest computation by file size and wall-clock deadline.
// Entries over MaxFileSize get a metadata-only snapshot with the digest
// marked skipped; entries that blow the deadline likewise, so one slow
// file cannot stall a whole scan.
type Computer struct {
	MaxFileSize int64
	Timeout     time.Duration
	logger      *zap.Logger
}

// New returns a Computer with the given bounds. Zero values disable the
// respective bound.
func New(maxFileSize int64, timeout time.Duration, logger *zap.Logger) *Computer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Computer{MaxFileSize: maxFileSize, Timeout: timeout, logger: logger}
}

// Take produces a snapshot of path. info may be nil, in which case the
// entry is stat'ed; a missing entry returns the error so the caller can
// treat it as vanished.
func (c *Computer) Take(ctx context.Context, path string, info fs.FileInfo, checkHash, checkMeta bool) (model.Snapshot, error) {
	if info == nil {
		var err error
		info, err = os.Lstat(path)
		if err != nil {
			return model.Snapshot{}, err
		}
	}

	snap := model.Snapshot{
		Path:     path,
		Observed: time.Now().UTC(),
	}
	if checkMeta || checkHash {
		snap.Meta = model.Metadata{
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
		}
	}

	if !checkHash || !info.Mode().IsRegular() {
		return snap, nil
	}
	if c.MaxFileSize > 0 && info.Size() > c.MaxFileSize {
		c.logger.Debug("digest skipped, file too large",
			zap.String("path", path),
			zap.Int64("size", info.Size()))
		snap.SkipReason = model.SkipTooLarge
		return snap, nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	digest, err := hashFile(ctx, path)
	switch {
	case err == nil:
		snap.Digest = digest
	case ctx.Err() != nil:
		c.logger.Warn("digest skipped, deadline exceeded", zap.String("path", path))
		snap.SkipReason = model.SkipTimeout
	default:
		return model.Snapshot{}, err
	}
	return snap, nil
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunk)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
