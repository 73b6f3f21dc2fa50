package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/models"
)

// SourceProber reports how much recorded video a ranged source yields.
type SourceProber interface {
	Duration(ctx context.Context, source string) (time.Duration, error)
}

// Session describes one encoder run. It is created per request by Prepare
// and owned by whoever called Start.
type Session struct {
	ID        string
	ChannelID string
	Mode      Mode
	Source    string
	Range     *TimeRange
	Options   ProfileOptions
	StartedAt time.Time
}

type ManagerOptions struct {
	FFmpegPath string
	KillGrace  time.Duration
	Source     RTSPSource
	Clock      DeviceClock
	Prober     SourceProber
}

// Manager launches and supervises encoder processes. Each process belongs to
// exactly one Session and is stopped when the context passed to Start ends.
type Manager struct {
	ffmpeg    string
	killGrace time.Duration
	source    RTSPSource
	clock     DeviceClock
	prober    SourceProber
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Manager{
		ffmpeg:    opts.FFmpegPath,
		killGrace: opts.KillGrace,
		source:    opts.Source,
		clock:     opts.Clock,
		prober:    opts.Prober,
		logger:    logging.WithComponent("transcode"),
		active:    make(map[string]*Handle),
	}
}

// Clock returns the device clock used to build ranged sources.
func (m *Manager) Clock() DeviceClock {
	return m.clock
}

// Prepare validates the request and builds its session. Ranged modes are
// rejected on an invalid range before anything runs, and must pass the probe.
func (m *Manager) Prepare(ctx context.Context, channelID string, mode Mode, tr *TimeRange) (*Session, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	if !mode.valid() {
		return nil, fmt.Errorf("unknown transcode mode %q", mode)
	}

	s := &Session{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Mode:      mode,
	}

	if !mode.Ranged() {
		s.Source = m.source.LiveURI(channelID)
		return s, nil
	}

	if tr == nil {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidTimeRange)
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	s.Range = tr
	s.Source = m.source.RangeURI(channelID, m.clock.Compact(tr.Start), m.clock.Compact(tr.End))

	if m.prober != nil {
		d, err := m.prober.Duration(ctx, s.Source)
		if err != nil {
			return nil, err
		}
		m.logger.Debug().
			Str(logging.FieldChannelID, channelID).
			Str(logging.FieldMode, string(mode)).
			Dur("duration", d).
			Msg("recording found")
	}
	return s, nil
}

// Start launches the encoder for s with stdout going to out (nil discards it).
// Cancelling ctx interrupts the process and kills it after the grace period.
func (m *Manager) Start(ctx context.Context, s *Session, out io.Writer) (*Handle, error) {
	if s.Mode.Ranged() {
		if s.Range == nil {
			return nil, fmt.Errorf("%w: start and end are required", ErrInvalidTimeRange)
		}
		if err := s.Range.Validate(); err != nil {
			return nil, err
		}
	}
	args, err := EncoderArgs(s.Mode, s.Source, s.Options)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, m.ffmpeg, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = m.killGrace

	h := &Handle{
		session: s,
		cmd:     cmd,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		diag:    &tailBuffer{max: 8 << 10},
	}
	logger := m.logger.With().
		Str(logging.FieldSessionID, s.ID).
		Str(logging.FieldChannelID, s.ChannelID).
		Str(logging.FieldMode, string(s.Mode)).
		Logger()

	if out != nil {
		h.out = &countingWriter{w: out, mode: string(s.Mode)}
		cmd.Stdout = h.out
	}
	h.stderr = &stderrSink{tail: h.diag, logger: logger}
	cmd.Stderr = h.stderr

	s.StartedAt = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		TranscodeSessions.WithLabelValues(string(s.Mode), "launch_failed").Inc()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEncoderNotFound, m.ffmpeg)
		}
		return nil, fmt.Errorf("%w: %w", ErrEncoderLaunch, err)
	}

	logger = logger.With().Int(logging.FieldPID, cmd.Process.Pid).Logger()
	logger.Info().Str("source", Redacted(s.Source)).Msg("encoder started")

	m.mu.Lock()
	m.active[s.ID] = h
	m.mu.Unlock()
	TranscodeSessionsActive.WithLabelValues(string(s.Mode)).Inc()

	go m.supervise(h, logger)
	return h, nil
}

func (m *Manager) supervise(h *Handle, logger zerolog.Logger) {
	waitErr := h.cmd.Wait()
	h.stderr.flush()
	h.err = h.classify(waitErr)

	m.mu.Lock()
	delete(m.active, h.session.ID)
	m.mu.Unlock()

	mode := string(h.session.Mode)
	TranscodeSessionsActive.WithLabelValues(mode).Dec()

	outcome := "ok"
	switch {
	case errors.Is(h.err, context.Canceled):
		outcome = "cancelled"
	case errors.Is(h.err, ErrEncoderLaunch):
		outcome = "launch_failed"
	case h.err != nil:
		outcome = "failed"
	}
	TranscodeSessions.WithLabelValues(mode, outcome).Inc()

	ev := logger.Info()
	if outcome == "failed" || outcome == "launch_failed" {
		ev = logger.Warn().Err(h.err).Str("stderr_tail", h.diag.String())
	}
	ev.Str("outcome", outcome).
		Int64("bytes", h.BytesWritten()).
		Dur("elapsed", time.Since(h.session.StartedAt)).
		Msg("encoder exited")

	h.cancel()
	close(h.done)
}

// Cancel stops the session's process. It is safe to call more than once and
// after the process has exited.
func (m *Manager) Cancel(h *Handle) {
	if h == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	h.cancelled.Store(true)
	h.cancel()
}

// CancelChannel stops every running session for channelID and returns how
// many were signalled. Sessions owned by the HLS streamer are left alone.
func (m *Manager) CancelChannel(channelID string) int {
	m.mu.Lock()
	var targets []*Handle
	for _, h := range m.active {
		if h.session.ChannelID == channelID && h.session.Mode != ModeHLS {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		m.Cancel(h)
	}
	return len(targets)
}

// Active lists running sessions, oldest first.
func (m *Manager) Active() []models.SessionInfo {
	m.mu.Lock()
	infos := make([]models.SessionInfo, 0, len(m.active))
	for _, h := range m.active {
		infos = append(infos, h.Info())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Shutdown cancels every session and waits for the processes to exit or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Cancel(h)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Handle is a running encoder process.
type Handle struct {
	session   *Session
	cmd       *exec.Cmd
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error
	out       *countingWriter
	diag      *tailBuffer
	stderr    *stderrSink
}

func (h *Handle) Session() *Session { return h.session }

// Done is closed once the process has exited and its output is flushed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits. A cancelled session returns an error
// wrapping context.Canceled.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) BytesWritten() int64 {
	if h.out == nil {
		return 0
	}
	return h.out.n.Load()
}

// Diagnostics returns the tail of the encoder's stderr.
func (h *Handle) Diagnostics() string {
	return h.diag.String()
}

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) Info() models.SessionInfo {
	return models.SessionInfo{
		ID:        h.session.ID,
		ChannelID: h.session.ChannelID,
		Mode:      string(h.session.Mode),
		StartedAt: h.session.StartedAt,
		PID:       h.PID(),
	}
}

func (h *Handle) classify(waitErr error) error {
	if h.cancelled.Load() || h.ctx.Err() != nil {
		return fmt.Errorf("session %s: %w", h.session.ID, context.Canceled)
	}
	if waitErr == nil {
		return nil
	}
	detail := lastLine(h.diag.String())
	if detail == "" {
		detail = waitErr.Error()
	}
	if h.out != nil && h.BytesWritten() == 0 {
		return fmt.Errorf("%w: encoder exited before producing output: %s", ErrEncoderLaunch, detail)
	}
	return fmt.Errorf("%w: %s", ErrEncoderRuntime, detail)
}

type countingWriter struct {
	w    io.Writer
	n    atomic.Int64
	mode string
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	TranscodeBytes.WithLabelValues(c.mode).Add(float64(n))
	return n, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

const maxStderrLine = 4 << 10

// stderrSink records encoder stderr for diagnostics and logs it line by line.
// Lines are redacted before they are kept or logged since ffmpeg echoes its
// input URL, credentials included.
type stderrSink struct {
	tail    *tailBuffer
	logger  zerolog.Logger
	mu      sync.Mutex
	partial []byte
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexAny(s.partial, "\r\n")
		if i < 0 {
			break
		}
		s.emit(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > maxStderrLine {
		s.emit(s.partial)
		s.partial = s.partial[:0]
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (s *stderrSink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.emit(s.partial)
		s.partial = nil
	}
}

// emit runs with s.mu held.
func (s *stderrSink) emit(raw []byte) {
	line := strings.TrimSpace(RedactText(string(raw)))
	if line == "" {
		return
	}
	s.tail.Write([]byte(line + "\n"))
	s.logger.Debug().Str("stderr", line).Msg("encoder")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
