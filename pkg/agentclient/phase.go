package agentclient

// Phase is the session lifecycle phase
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseSessionInitializing
	PhaseVoiceChatStarting
	PhaseActive
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseSessionInitializing:
		return "session_initializing"
	case PhaseVoiceChatStarting:
		return "voice_chat_starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Live reports whether the agent has been told about the session and has not yet
// been told it ended.
func (p Phase) Live() bool {
	return p == PhaseSessionInitializing || p == PhaseVoiceChatStarting || p == PhaseActive
}
