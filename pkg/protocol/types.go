// Package protocol defines the wire types shared by the streaming
// layer: push frames, artifact payloads and health snapshots.
package protocol

import (
	"time"

	"shantyman/pkg/audio"
)

// Frame is the envelope for every message pushed to a client. One JSON
// frame per logical message, newline-delimited on the wire.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds
	Data      interface{} `json:"data,omitempty"`
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(frameType string, data interface{}) Frame {
	return Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Frame type constants
const (
	FrameConnected         = "connected"
	FrameAudioBuffer       = "audio_buffer"
	FrameMusicalParameters = "musical_parameters"
	FrameHeartbeat         = "heartbeat"
	FrameError             = "error"
	FrameDisconnected      = "disconnected"
)

// Bus topic constants. Topics are hierarchical-looking text
// (domain:subdomain:action) but matching is exact string equality.
const (
	TopicArtifactGenerated = "artifact:generated"
	TopicSessionDisposed   = "session:disposed"
)

// MusicalParameters describes an artifact to be rendered client-side.
type MusicalParameters struct {
	Tempo          float64 `json:"tempo"`
	Scale          string  `json:"scale"`
	RootNote       string  `json:"rootNote"`
	InstrumentType string  `json:"instrumentType"`
	Duration       float64 `json:"duration"`
}

// Artifact is a generated payload: either a server-rendered sample
// buffer or a parameter record for client-side rendering. Exactly one
// of the two fields is set.
type Artifact struct {
	Buffer     *audio.SerializedBuffer `json:"buffer,omitempty"`
	Parameters *MusicalParameters      `json:"parameters,omitempty"`
}

// ArtifactEvent is the payload published on the bus by the upstream
// generator (or the Kafka ingest bridge) when an artifact is ready.
type ArtifactEvent struct {
	TopicID string   `json:"topicId"`
	Params  Artifact `json:"artifactParams"`
}

// SessionDisposedEvent is published on the bus when a session record is
// removed, so non-owning bookkeeping can follow.
type SessionDisposedEvent struct {
	ClientID string `json:"clientId"`
	Topic    string `json:"topic"`
	Reason   string `json:"reason"`
}

// HealthSnapshot is the read-only aggregate exposed for monitoring.
type HealthSnapshot struct {
	ActiveClients         int    `json:"activeClients"`
	ActiveSessions        int    `json:"activeSessions"`
	ActiveStreams         int    `json:"activeStreams"`
	TotalBytesTransferred int64  `json:"totalBytesTransferred"`
	Uptime                string `json:"uptime"`
}
