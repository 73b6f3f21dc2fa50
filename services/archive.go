package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/models"
)

// Archiver encodes recorded ranges to MP4 files under dir. A file only
// appears at its final path once the encoder finished successfully.
type Archiver struct {
	dir          string
	readyTimeout time.Duration
	manager      *Manager
	logger       zerolog.Logger
}

func NewArchiver(dir string, readyTimeout time.Duration, manager *Manager) *Archiver {
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	return &Archiver{
		dir:          dir,
		readyTimeout: readyTimeout,
		manager:      manager,
		logger:       logging.WithComponent("archive"),
	}
}

// ArchiveFileName is <channel>_<start>_<end>.mp4 with device-format times.
func ArchiveFileName(channelID, start, end string) string {
	return fmt.Sprintf("%s_%s_%s.mp4", channelID, start, end)
}

// Path returns the deterministic archive location for a channel and range.
func (a *Archiver) Path(channelID string, tr TimeRange) string {
	clock := a.manager.Clock()
	return filepath.Join(a.dir, channelID, ArchiveFileName(channelID, clock.Compact(tr.Start), clock.Compact(tr.End)))
}

// Existing returns the archive path when it has already been written.
func (a *Archiver) Existing(channelID string, tr TimeRange) (string, bool) {
	path := a.Path(channelID, tr)
	return path, fileReady(path)
}

// Save runs the archival encoder for s and returns the finished file path.
// An archive already on disk for the same inputs is returned as is.
func (a *Archiver) Save(ctx context.Context, s *Session) (string, error) {
	if s.Mode != ModeArchive || s.Range == nil {
		return "", fmt.Errorf("archiver needs an %s session with a range", ModeArchive)
	}
	path := a.Path(s.ChannelID, *s.Range)
	if fileReady(path) {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("creating pending archive: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			a.logger.Debug().Err(err).Str(logging.FieldPath, path).Msg("cleanup pending archive")
		}
	}()

	h, err := a.manager.Start(ctx, s, pending)
	if err != nil {
		return "", err
	}
	defer a.manager.Cancel(h)

	if err := h.Wait(); err != nil {
		return "", err
	}
	if h.BytesWritten() == 0 {
		return "", fmt.Errorf("%w: encoder produced an empty archive", ErrEncoderLaunch)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("finalizing archive: %w", err)
	}

	if err := WaitForFile(ctx, a.logger, path, a.readyTimeout); err != nil {
		return "", fmt.Errorf("archive not ready: %w", err)
	}

	a.logger.Info().
		Str(logging.FieldSessionID, s.ID).
		Str(logging.FieldChannelID, s.ChannelID).
		Str(logging.FieldPath, path).
		Int64("bytes", h.BytesWritten()).
		Msg("archive saved")
	return path, nil
}

// List returns the finished archives of a channel, newest first. Pending
// files never match since renameio names them with a leading dot.
func (a *Archiver) List(channelID string) ([]models.ArchiveEntry, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(a.dir, channelID))
	if os.IsNotExist(err) {
		return []models.ArchiveEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	out := make([]models.ArchiveEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".mp4" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, models.ArchiveEntry{
			ChannelID: channelID,
			FileName:  name,
			Size:      info.Size(),
			ModTime:   info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Resolve maps a channel and archive file name to a path inside the archive
// directory. Names that would escape it are reported as missing.
func (a *Archiver) Resolve(channelID, name string) (string, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return "", err
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".mp4" {
		return "", fmt.Errorf("%w: bad archive name", os.ErrNotExist)
	}
	path := filepath.Join(a.dir, channelID, name)
	if !fileReady(path) {
		return "", fmt.Errorf("%w: %s", os.ErrNotExist, name)
	}
	return path, nil
}
