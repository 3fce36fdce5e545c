package events

import "time"

// Type names a user-visible event
type Type string

const (
	TypeVoiceChatReady   Type = "voice_chat.ready"
	TypeVoiceChatStopped Type = "voice_chat.stopped"
	TypeError            Type = "error"
	TypeToolStateChanged Type = "tool.state_changed"
	TypeTextDelta        Type = "text.delta"
	TypeTextFinished     Type = "text.finished"
)

// Event is a single notification for the presentation layer
type Event struct {
	Seq       int64       `json:"seq"`
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// VoiceChatParameters are the media-session parameters returned by startVoiceChat.
// Fields missing from the agent's result are empty strings.
type VoiceChatParameters struct {
	AppID        string `json:"appId"`
	RoomID       string `json:"roomId"`
	Token        string `json:"token"`
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

// Stop initiators
const (
	InitiatorLocal  = "local"
	InitiatorRemote = "remote"
)

// VoiceChatStopped accompanies TypeVoiceChatStopped
type VoiceChatStopped struct {
	Initiator string `json:"initiator"`
}

// Error sources
const (
	SourceTransport = "transport"
	SourceProtocol  = "protocol"
	SourceSession   = "session"
)

// ErrorData accompanies TypeError
type ErrorData struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// TextDelta accompanies TypeTextDelta. Started is true on the first delta of a message;
// Text is everything received for the message so far.
type TextDelta struct {
	Delta   string `json:"delta"`
	Text    string `json:"text"`
	Started bool   `json:"started"`
}

// TextFinished accompanies TypeTextFinished
type TextFinished struct {
	Text string `json:"text"`
}

// ToolStateChange accompanies TypeToolStateChanged
type ToolStateChange struct {
	Tool  string      `json:"tool"`
	State interface{} `json:"state"`
}

// Emitter publishes events
type Emitter interface {
	Emit(eventType Type, data interface{})
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(eventType Type, data interface{})

// Emit calls f
func (f EmitterFunc) Emit(eventType Type, data interface{}) {
	f(eventType, data)
}

// Discard drops every event
var Discard Emitter = EmitterFunc(func(Type, interface{}) {})
