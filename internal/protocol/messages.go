package protocol

import "time"

// CaptureChunk is one incremental unit of recognized speech. Interim chunks
// are superseded by the next chunk for the same utterance; final chunks are
// immutable and appended to the running transcript.
type CaptureChunk struct {
	SessionID   string `json:"session_id,omitempty"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// StreamMessage is a JSON frame exchanged over the realtime room stream.
// Frames that do not parse as JSON are forwarded with Raw set and Type empty.
type StreamMessage struct {
	Type            string `json:"type"`
	Text            string `json:"text,omitempty"`
	IsFinal         bool   `json:"is_final,omitempty"`
	Name            string `json:"name,omitempty"`
	ParticipantType string `json:"participant_type,omitempty"`
	Raw             string `json:"-"`
}

// Stream frame types.
const (
	MessageTypeIdentify          = "identify"
	MessageTypeTranscriptChunk   = "transcript_chunk"
	MessageTypeParticipantJoined = "participant_joined"
)

// SessionStatus is the server-observed status of a solo session. The core
// treats it as authoritative for deciding when to stop polling.
type SessionStatus string

const (
	SessionCreated      SessionStatus = "created"
	SessionRecording    SessionStatus = "recording"
	SessionTranscribing SessionStatus = "transcribing"
	SessionProcessing   SessionStatus = "processing"
	SessionComplete     SessionStatus = "complete"
	SessionError        SessionStatus = "error"
)

// RoomStatus is the server-observed status of a shared room.
type RoomStatus string

const (
	RoomWaiting    RoomStatus = "waiting"
	RoomRecording  RoomStatus = "recording"
	RoomProcessing RoomStatus = "processing"
	RoomClosed     RoomStatus = "closed"
)

// Terminal reports whether the room has reached its final state.
func (s RoomStatus) Terminal() bool {
	return s == RoomClosed
}

// SyncStatus is the aggregate offline-queue state published to listeners.
type SyncStatus struct {
	Syncing      bool      `json:"syncing"`
	PendingCount int       `json:"pending_count"`
	LastError    string    `json:"last_error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionEvent is a lifecycle notification broadcast on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChunkPrefix  = "capture.chunk"
	SubjectSessionEvent = "capture.session"
	SubjectSyncStatus   = "sync.status"
)
