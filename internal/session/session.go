package session

import (
	"time"

	"github.com/timelapser/camstream/internal/rtsp"
)

// Status is the lifecycle state of a streaming session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Session is the externally visible snapshot of the single streaming
// slot. SourceURL never carries credentials; those live only in the
// registry's memory and die with the process.
type Session struct {
	ID             string               `json:"sessionId"`
	SourceURL      string               `json:"rtspUrl"`
	Status         Status               `json:"status"`
	OutputDir      string               `json:"-"`
	CreatedAt      time.Time            `json:"createdAt"`
	LastActivityAt time.Time            `json:"lastActivityAt"`
	Metadata       *rtsp.StreamMetadata `json:"streamMetadata,omitempty"`
}

// CrashInfo describes an unexpected transcoder exit, with everything a
// reconnection attempt needs to dial the same camera again.
type CrashInfo struct {
	SessionID   string
	SourceURL   string
	Credentials *rtsp.Credentials
	Err         error
}
