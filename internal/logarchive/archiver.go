// Package logarchive compacts aged server log directories into zstd
// compressed tarballs so long-lived workers do not fill the build volume.
package logarchive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	appErr "runnerd/pkg/errors"
	"runnerd/pkg/utils/logger"
)

const archiveSuffix = ".tar.zst"

// Config controls the archiver.
type Config struct {
	// Root is the directory holding per-task server log directories.
	Root string
	// MaxAge is how long a log directory stays uncompressed. Directories
	// whose newest file is older get archived.
	MaxAge time.Duration
	// Interval is the sweep period.
	Interval time.Duration
}

// Archiver sweeps Root periodically and replaces aged log directories with
// single-file archives next to them.
type Archiver struct {
	cfg Config
}

// NewArchiver creates an archiver. Zero MaxAge or Interval get defaults.
func NewArchiver(cfg Config) *Archiver {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Archiver{cfg: cfg}
}

// Run sweeps until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := a.Sweep(ctx); err != nil {
			logger.Warn(ctx, "log archive sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep archives every aged directory directly under Root once.
func (a *Archiver) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(a.cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return appErr.Wrapf(err, appErr.ArchiveError, "read log root failed")
	}

	cutoff := time.Now().Add(-a.cfg.MaxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.cfg.Root, entry.Name())
		aged, err := olderThan(dir, cutoff)
		if err != nil {
			logger.Warn(ctx, "inspect log directory failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if !aged {
			continue
		}
		if err := a.archiveDir(dir); err != nil {
			logger.Warn(ctx, "archive log directory failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		logger.Info(ctx, "archived log directory", zap.String("dir", dir))
	}
	return nil
}

// olderThan reports whether every file under dir was modified before cutoff.
// An empty directory counts as aged.
func olderThan(dir string, cutoff time.Time) (bool, error) {
	aged := true
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			aged = false
			return filepath.SkipAll
		}
		return nil
	})
	return aged, err
}

// archiveDir writes dir into dir.tar.zst and removes the original. The
// archive is built under a temporary name so a crash never leaves a half
// written archive in place.
func (a *Archiver) archiveDir(dir string) error {
	tmpPath := dir + archiveSuffix + ".tmp"
	if err := writeArchive(tmpPath, dir); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dir+archiveSuffix); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.ArchiveError, "finalize archive failed")
	}
	if err := os.RemoveAll(dir); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "remove archived directory failed")
	}
	return nil
}

func writeArchive(dstPath, dir string) error {
	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "create archive failed")
	}
	defer file.Close()

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	base := filepath.Base(dir)
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		_ = src.Close()
		return err
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "write archive entries failed")
	}

	if err := tw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveError, "close zstd writer failed")
	}
	return file.Close()
}

// IsArchive reports whether name looks like a finished archive.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, archiveSuffix)
}
