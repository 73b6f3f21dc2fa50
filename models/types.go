package models

import "time"

// Camera is one physical camera as persisted locally. Sub-streams of the same
// camera share a BaseID and only the first one reported by the NVR is stored.
type Camera struct {
	ID        string    `json:"id"`
	BaseID    string    `json:"base_id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Transport string    `json:"transport"`
	Alias     *string   `json:"alias"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel is a streaming channel exactly as the NVR reports it.
type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Transport string `json:"transport"`
}

type EventTrigger struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Port string `json:"port"`
}

// VideoReference identifies a recorded segment returned by an event search.
// Motion results carry FileName, vehicle results carry PlaybackURI.
type VideoReference struct {
	ChannelID   string    `json:"channelId"`
	SourceID    string    `json:"sourceId"`
	TrackID     string    `json:"trackId"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	EventType   string    `json:"eventType"`
	FileName    string    `json:"fileName,omitempty"`
	PlaybackURI string    `json:"playbackUri,omitempty"`
}

type UpdateCameraRequest struct {
	Alias *string `json:"alias"`
}

// SyncReport summarises one camera registry sync.
type SyncReport struct {
	Skipped  bool      `json:"skipped"`
	Reason   string    `json:"reason,omitempty"`
	Reported int       `json:"reported"`
	Kept     int       `json:"kept"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Disabled int       `json:"disabled"`
	At       time.Time `json:"at"`
}

// SessionInfo is the public view of a running transcode session.
type SessionInfo struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
}

type LivenessReport struct {
	ChannelID string    `json:"channel_id"`
	Distance  int       `json:"distance"`
	Threshold int       `json:"threshold"`
	Frozen    bool      `json:"frozen"`
	CheckedAt time.Time `json:"checked_at"`
}

// ArchiveEntry is a finished archive file on disk.
type ArchiveEntry struct {
	ChannelID string    `json:"channel_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}
