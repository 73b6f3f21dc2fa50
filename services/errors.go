package services

import "errors"

// Error kinds surfaced by the gateway. Callers wrap them with context using
// fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrDeviceProtocol    = errors.New("device protocol error")
	ErrInvalidTimeRange  = errors.New("invalid time range")
	ErrNoRecordingFound  = errors.New("no recording found")
	ErrEncoderNotFound   = errors.New("encoder not found")
	ErrEncoderLaunch     = errors.New("encoder launch failure")
	ErrEncoderRuntime    = errors.New("encoder runtime failure")
	ErrCameraNotFound    = errors.New("camera not found")
	ErrInvalidChannel    = errors.New("invalid channel id")
)
