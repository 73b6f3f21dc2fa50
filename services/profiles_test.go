package services

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = "rtsp://nvr/ISAPI/Streaming/channels/101"

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestEncoderArgsStdoutProfiles(t *testing.T) {
	for _, mode := range []Mode{ModeLiveLow, ModeLiveHigh, ModeHistorical, ModeEventClip, ModeArchive} {
		args, err := EncoderArgs(mode, testSource, ProfileOptions{})
		require.NoError(t, err, mode)

		assert.Equal(t, "tcp", argValue(args, "-rtsp_transport"), mode)
		assert.Equal(t, testSource, argValue(args, "-i"), mode)
		assert.Equal(t, []string{"-f", "mp4", "-"}, args[len(args)-3:], mode)
		assert.Contains(t, argValue(args, "-movflags"), "frag_keyframe", mode)
	}
}

func TestEncoderArgsProfileDetails(t *testing.T) {
	low, err := EncoderArgs(ModeLiveLow, testSource, ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "scale=480:270", argValue(low, "-vf"))
	assert.Equal(t, "35", argValue(low, "-crf"))

	clip, err := EncoderArgs(ModeEventClip, testSource, ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "scale=640:360", argValue(clip, "-vf"))
	assert.Equal(t, "800k", argValue(clip, "-maxrate"))
	assert.Contains(t, clip, "-an")

	hist, err := EncoderArgs(ModeHistorical, testSource, ProfileOptions{})
	require.NoError(t, err)
	assert.Contains(t, hist, "-an")

	archive, err := EncoderArgs(ModeArchive, testSource, ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "medium", argValue(archive, "-preset"))
}

func TestEncoderArgsHLS(t *testing.T) {
	_, err := EncoderArgs(ModeHLS, testSource, ProfileOptions{})
	require.Error(t, err)

	dir := filepath.Join("data", "hls", "101_a_b")
	args, err := EncoderArgs(ModeHLS, testSource, ProfileOptions{HLSDir: dir, SegmentSeconds: 6})
	require.NoError(t, err)
	assert.Equal(t, "hls", argValue(args, "-f"))
	assert.Equal(t, "6", argValue(args, "-hls_time"))
	assert.True(t, strings.HasPrefix(argValue(args, "-hls_segment_filename"), dir))
	assert.Equal(t, filepath.Join(dir, "index.m3u8"), args[len(args)-1])
}

func TestEncoderArgsUnknownMode(t *testing.T) {
	_, err := EncoderArgs(Mode("thumbnail"), testSource, ProfileOptions{})
	assert.Error(t, err)
}

func TestModeRanged(t *testing.T) {
	assert.False(t, ModeLiveLow.Ranged())
	assert.False(t, ModeLiveHigh.Ranged())
	assert.True(t, ModeHistorical.Ranged())
	assert.True(t, ModeEventClip.Ranged())
	assert.True(t, ModeArchive.Ranged())
	assert.True(t, ModeHLS.Ranged())
}
