package logging

// Canonical field names shared by every component.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldChannelID = "channel_id"
	FieldMode      = "mode"
	FieldPID       = "pid"
	FieldPath      = "path"
)
