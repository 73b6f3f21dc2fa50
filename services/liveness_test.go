package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, channelID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	frame := f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	return frame, nil
}

func encodeJPEG(t *testing.T, fill func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestLivenessFrozenFeed(t *testing.T) {
	frame := encodeJPEG(t, func(x, y int) uint8 { return uint8(x * 2) })
	l := NewLivenessChecker(&fakeSnapshots{frames: [][]byte{frame, frame}}, time.Millisecond, 2)

	report, err := l.Check(context.Background(), "101")
	require.NoError(t, err)
	assert.True(t, report.Frozen)
	assert.Zero(t, report.Distance)
	assert.Equal(t, "101", report.ChannelID)
}

func TestLivenessChangingFeed(t *testing.T) {
	horizontal := encodeJPEG(t, func(x, y int) uint8 { return uint8(x * 2) })
	checker := encodeJPEG(t, func(x, y int) uint8 {
		if (x/16+y/16)%2 == 0 {
			return 255
		}
		return 0
	})
	l := NewLivenessChecker(&fakeSnapshots{frames: [][]byte{horizontal, checker}}, time.Millisecond, 2)

	report, err := l.Check(context.Background(), "101")
	require.NoError(t, err)
	assert.False(t, report.Frozen)
	assert.Greater(t, report.Distance, 2)
}

func TestLivenessSnapshotErrors(t *testing.T) {
	l := NewLivenessChecker(&fakeSnapshots{err: ErrDeviceUnreachable}, time.Millisecond, 2)
	_, err := l.Check(context.Background(), "101")
	require.ErrorIs(t, err, ErrDeviceUnreachable)

	l = NewLivenessChecker(&fakeSnapshots{frames: [][]byte{[]byte("not a jpeg")}}, time.Millisecond, 2)
	_, err = l.Check(context.Background(), "101")
	require.ErrorIs(t, err, ErrDeviceProtocol)
}

func TestLivenessHonoursContext(t *testing.T) {
	frame := encodeJPEG(t, func(x, y int) uint8 { return uint8(y) })
	l := NewLivenessChecker(&fakeSnapshots{frames: [][]byte{frame}}, time.Hour, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Check(ctx, "101")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
