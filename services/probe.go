package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/camgate/backend/logging"
)

// Prober asks ffprobe whether a ranged RTSP source yields any video.
type Prober struct {
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewProber(path string, timeout time.Duration) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{path: path, timeout: timeout, logger: logging.WithComponent("probe")}
}

// Duration returns the recorded duration at source. A failed probe, an
// unknown duration or a zero duration are all ErrNoRecordingFound.
func (p *Prober) Duration(ctx context.Context, source string) (time.Duration, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-rtsp_transport", "tcp",
		source,
	)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrEncoderNotFound, p.path)
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: probe did not finish: %w", ErrNoRecordingFound, ctx.Err())
		}
		p.logger.Debug().
			Str("source", Redacted(source)).
			Str("stderr", truncate(strings.TrimSpace(RedactText(stderr.String())), 512)).
			Msg("probe failed")
		return 0, fmt.Errorf("%w: probe failed: %w", ErrNoRecordingFound, err)
	}

	out := strings.TrimSpace(stdout.String())
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = strings.TrimSpace(out[:i])
	}
	secs, err := strconv.ParseFloat(out, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: probe reported duration %q", ErrNoRecordingFound, out)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
