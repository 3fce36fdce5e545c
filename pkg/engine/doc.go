// Package engine owns one agent session end to end.
//
// It wires the transport, the session client, the tool server and the event bus
// together and serializes every state change on a single dispatch loop:
//
//	eng, _ := engine.New(engine.Options{Transport: transport.NewMQTT(transport.MQTTOptions{})})
//	sub := eng.Subscribe(64)
//	_ = eng.Start(ctx, "tcp://broker:1883", "agent-1", "client-1")
//	for evt := range sub.C { ... }
//
// Start returns once initializeSession is on the wire; the voice_chat.ready event
// reports readiness. Stop is safe in every phase and waits until the connection
// has been released.
package engine
