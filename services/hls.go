package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camgate/backend/logging"
)

const hlsPlaylistName = "index.m3u8"

var validHLSKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// HLSStreamer owns the long-lived encoders that turn a recorded range into an
// HLS segment set. Each channel/range pair is encoded at most once; later
// requests are served from the existing playlist.
type HLSStreamer struct {
	baseDir        string
	segmentSeconds int
	readyTimeout   time.Duration
	idleTimeout    time.Duration
	manager        *Manager
	logger         zerolog.Logger

	mu      sync.Mutex
	streams map[string]*hlsStream

	stopCleanup context.CancelFunc
	wg          sync.WaitGroup
}

type hlsStream struct {
	handle     *Handle
	cancel     context.CancelFunc
	dir        string
	lastAccess time.Time
}

type HLSOptions struct {
	Dir            string
	SegmentSeconds int
	ReadyTimeout   time.Duration
	IdleTimeout    time.Duration
}

// NewHLSStreamer clears baseDir, since segment sets left by a previous run may
// be incomplete.
func NewHLSStreamer(opts HLSOptions, manager *Manager) (*HLSStreamer, error) {
	if err := os.RemoveAll(opts.Dir); err != nil {
		return nil, fmt.Errorf("clearing hls directory: %w", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating hls directory: %w", err)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	return &HLSStreamer{
		baseDir:        opts.Dir,
		segmentSeconds: opts.SegmentSeconds,
		readyTimeout:   opts.ReadyTimeout,
		idleTimeout:    opts.IdleTimeout,
		manager:        manager,
		logger:         logging.WithComponent("hls"),
		streams:        make(map[string]*hlsStream),
	}, nil
}

// Key identifies the segment set of a channel and range.
func (s *HLSStreamer) Key(channelID string, tr TimeRange) string {
	clock := s.manager.Clock()
	return channelID + "_" + clock.Compact(tr.Start) + "_" + clock.Compact(tr.End)
}

// Ensure makes sure a playlist exists for sess and returns its key. When none
// exists an encoder is started and Ensure waits for the first playlist write.
func (s *HLSStreamer) Ensure(ctx context.Context, sess *Session) (string, error) {
	if sess.Mode != ModeHLS || sess.Range == nil {
		return "", fmt.Errorf("hls streamer needs an %s session with a range", ModeHLS)
	}
	key := s.Key(sess.ChannelID, *sess.Range)
	playlist := filepath.Join(s.baseDir, key, hlsPlaylistName)

	s.mu.Lock()
	st, ok := s.streams[key]
	if ok {
		st.lastAccess = time.Now()
	} else {
		var err error
		st, err = s.start(key, sess)
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.streams[key] = st
	}
	s.mu.Unlock()

	if err := s.waitPlaylist(ctx, st, playlist); err != nil {
		return "", err
	}
	return key, nil
}

// start runs with s.mu held.
func (s *HLSStreamer) start(key string, sess *Session) (*hlsStream, error) {
	dir := filepath.Join(s.baseDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	sess.Options = ProfileOptions{HLSDir: dir, SegmentSeconds: s.segmentSeconds}

	// The encoder outlives the request that started it; idle cleanup stops it.
	runCtx, cancel := context.WithCancel(context.Background())
	h, err := s.manager.Start(runCtx, sess, nil)
	if err != nil {
		cancel()
		os.RemoveAll(dir)
		return nil, err
	}

	s.logger.Info().
		Str(logging.FieldSessionID, sess.ID).
		Str("key", key).
		Int(logging.FieldPID, h.PID()).
		Msg("hls encoder started")

	st := &hlsStream{handle: h, cancel: cancel, dir: dir, lastAccess: time.Now()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-h.Done()
		if err := h.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("key", key).Msg("hls encoder failed")
		}
	}()
	return st, nil
}

func (s *HLSStreamer) waitPlaylist(ctx context.Context, st *hlsStream, playlist string) error {
	if fileReady(playlist) {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-st.handle.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := WaitForFile(waitCtx, s.logger, playlist, s.readyTimeout)
	if err == nil || fileReady(playlist) {
		return nil
	}
	select {
	case <-st.handle.Done():
		if werr := st.handle.Wait(); werr != nil {
			s.drop(playlistKey(playlist), st)
			return werr
		}
		s.drop(playlistKey(playlist), st)
		return fmt.Errorf("%w: encoder finished without a playlist", ErrEncoderLaunch)
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: playlist not ready: %w", ErrEncoderLaunch, err)
}

func playlistKey(playlist string) string {
	return filepath.Base(filepath.Dir(playlist))
}

// drop forgets a failed stream so the next request starts a new encoder.
func (s *HLSStreamer) drop(key string, st *hlsStream) {
	s.mu.Lock()
	if cur, ok := s.streams[key]; ok && cur == st {
		delete(s.streams, key)
	}
	s.mu.Unlock()
	st.cancel()
	os.RemoveAll(st.dir)
}

// File resolves a playlist or segment name inside a stream directory,
// refusing anything that could escape it.
func (s *HLSStreamer) File(key, name string) (string, error) {
	if !validHLSKey.MatchString(key) {
		return "", fmt.Errorf("%w: bad stream key", os.ErrNotExist)
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: bad file name", os.ErrNotExist)
	}
	switch filepath.Ext(name) {
	case ".m3u8", ".ts":
	default:
		return "", fmt.Errorf("%w: bad file type", os.ErrNotExist)
	}

	s.Touch(key)
	path := filepath.Join(s.baseDir, key, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Ready reports whether key already has a playlist on disk.
func (s *HLSStreamer) Ready(key string) bool {
	if !validHLSKey.MatchString(key) {
		return false
	}
	if fileReady(filepath.Join(s.baseDir, key, hlsPlaylistName)) {
		s.Touch(key)
		return true
	}
	return false
}

// Touch updates the lastAccess timestamp for a stream.
func (s *HLSStreamer) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[key]; ok {
		st.lastAccess = time.Now()
	}
}

// IsActive reports whether an encoder is still writing the stream.
func (s *HLSStreamer) IsActive(key string) bool {
	s.mu.Lock()
	st, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-st.handle.Done():
		return false
	default:
		return true
	}
}

// Stop kills the encoder and removes the segment directory.
func (s *HLSStreamer) Stop(key string) {
	s.mu.Lock()
	st, ok := s.streams[key]
	if ok {
		delete(s.streams, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.manager.Cancel(st.handle)
	st.cancel()
	<-st.handle.Done()
	os.RemoveAll(st.dir)
	s.logger.Info().Str("key", key).Msg("hls stream stopped")
}

// StartCleanup stops streams nobody has requested for the idle timeout.
func (s *HLSStreamer) StartCleanup(ctx context.Context) {
	ctx, s.stopCleanup = context.WithCancel(ctx)
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanIdle()
			}
		}
	}()
}

func (s *HLSStreamer) cleanIdle() {
	s.mu.Lock()
	var toStop []string
	for key, st := range s.streams {
		if time.Since(st.lastAccess) > s.idleTimeout {
			toStop = append(toStop, key)
		}
	}
	s.mu.Unlock()

	for _, key := range toStop {
		s.logger.Info().Str("key", key).Msg("stopping idle hls stream")
		s.Stop(key)
	}
}

// StopAll stops all streams and the cleanup loop (for graceful shutdown).
func (s *HLSStreamer) StopAll() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.streams))
	for key := range s.streams {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.Stop(key)
	}
	s.wg.Wait()
}
