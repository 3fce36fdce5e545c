// Package agentsim is a scripted stand-in for the remote voice agent.
//
// It answers initializeSession, startVoiceChat and stopVoiceChat, streams a reply to
// every textTalk as textTalkDelta notifications followed by textTalkFinished, and can
// call back into a client's tool server. Tests and the CLI demo mode run it against
// the in-memory broker.
package agentsim
