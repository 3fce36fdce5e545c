// Package agentclient implements the session side of the agent protocol: the
// initializeSession, startVoiceChat, stopVoiceChat and destroySession handshake and the
// textTalk streaming exchange.
//
// Invariants:
// - A Client is not safe for concurrent use; every method runs on the owner's dispatch loop.
// - Request ids are unique and strictly increasing within a session.
// - At most one request per kind is tracked; a newer request of the same kind replaces it.
// - A response is matched to at most one tracked request; unmatched responses are ignored.
// - The text stream sub-state only changes while the session is Active.
package agentclient
