package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/camgate/backend/models"
)

// SnapshotSource fetches still images from a channel.
type SnapshotSource interface {
	Snapshot(ctx context.Context, channelID string) ([]byte, error)
}

// LivenessChecker detects frozen feeds: two snapshots taken interval apart
// whose perceptual hashes are within threshold bits of each other.
type LivenessChecker struct {
	source    SnapshotSource
	interval  time.Duration
	threshold int
}

func NewLivenessChecker(source SnapshotSource, interval time.Duration, threshold int) *LivenessChecker {
	return &LivenessChecker{source: source, interval: interval, threshold: threshold}
}

func (l *LivenessChecker) Check(ctx context.Context, channelID string) (*models.LivenessReport, error) {
	first, err := l.hash(ctx, channelID)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(l.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	second, err := l.hash(ctx, channelID)
	if err != nil {
		return nil, err
	}

	dist, err := first.Distance(second)
	if err != nil {
		return nil, fmt.Errorf("comparing hashes: %w", err)
	}
	return &models.LivenessReport{
		ChannelID: channelID,
		Distance:  dist,
		Threshold: l.threshold,
		Frozen:    dist <= l.threshold,
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (l *LivenessChecker) hash(ctx context.Context, channelID string) (*goimagehash.ImageHash, error) {
	data, err := l.source.Snapshot(ctx, channelID)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot of %s: %w", ErrDeviceProtocol, channelID, err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fmt.Errorf("hashing snapshot of %s: %w", channelID, err)
	}
	return hash, nil
}
