package services

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Mode selects the encoder argument profile of a transcode session.
type Mode string

const (
	ModeLiveLow    Mode = "live-low"
	ModeLiveHigh   Mode = "live-high"
	ModeHistorical Mode = "historical-range"
	ModeEventClip  Mode = "event-clip"
	ModeArchive    Mode = "archival-save"
	ModeHLS        Mode = "hls"
)

// Ranged reports whether the mode plays back a recorded time range and
// therefore needs a valid range and a successful probe before launch.
func (m Mode) Ranged() bool {
	switch m {
	case ModeHistorical, ModeEventClip, ModeArchive, ModeHLS:
		return true
	}
	return false
}

func (m Mode) valid() bool {
	switch m {
	case ModeLiveLow, ModeLiveHigh, ModeHistorical, ModeEventClip, ModeArchive, ModeHLS:
		return true
	}
	return false
}

// ProfileOptions carries the settings only some profiles need.
type ProfileOptions struct {
	HLSDir         string
	SegmentSeconds int
}

// fragmented MP4 that browsers can play while it is still being written
const streamMovFlags = "frag_keyframe+empty_moov+default_base_moof"

// EncoderArgs builds the ffmpeg argument list for mode reading from source.
// Every profile except hls writes to stdout.
func EncoderArgs(mode Mode, source string, opts ProfileOptions) ([]string, error) {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning", "-rtsp_transport", "tcp"}

	switch mode {
	case ModeLiveLow:
		args = append(args,
			"-i", source,
			"-vcodec", "libx264",
			"-crf", "35",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-acodec", "aac",
			"-movflags", streamMovFlags,
			"-bufsize", "500k",
			"-vf", "scale=480:270",
			"-f", "mp4", "-",
		)
	case ModeLiveHigh:
		args = append(args,
			"-fflags", "+genpts",
			"-i", source,
			"-vcodec", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-acodec", "aac",
			"-movflags", streamMovFlags,
			"-bufsize", "500k",
			"-f", "mp4", "-",
		)
	case ModeHistorical:
		args = append(args,
			"-fflags", "+genpts",
			"-i", source,
			"-vcodec", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-an",
			"-movflags", streamMovFlags,
			"-bufsize", "500k",
			"-f", "mp4", "-",
		)
	case ModeEventClip:
		args = append(args,
			"-fflags", "+genpts",
			"-i", source,
			"-vcodec", "libx264",
			"-crf", "30",
			"-maxrate", "800k",
			"-bufsize", "1600k",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-an",
			"-vf", "scale=640:360",
			"-movflags", streamMovFlags,
			"-f", "mp4", "-",
		)
	case ModeArchive:
		args = append(args,
			"-fflags", "+genpts",
			"-i", source,
			"-vcodec", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-acodec", "aac",
			"-movflags", "frag_keyframe+empty_moov",
			"-f", "mp4", "-",
		)
	case ModeHLS:
		if opts.HLSDir == "" {
			return nil, fmt.Errorf("hls profile needs an output directory")
		}
		seg := opts.SegmentSeconds
		if seg <= 0 {
			seg = 4
		}
		args = append(args,
			"-fflags", "+genpts",
			"-i", source,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-c:a", "aac",
			"-f", "hls",
			"-hls_time", strconv.Itoa(seg),
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(opts.HLSDir, "seg_%05d.ts"),
			"-y",
			filepath.Join(opts.HLSDir, hlsPlaylistName),
		)
	default:
		return nil, fmt.Errorf("unknown transcode mode %q", mode)
	}
	return args, nil
}
