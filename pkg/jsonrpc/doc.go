// Package jsonrpc encodes and classifies the JSON-RPC envelopes exchanged with the agent.
//
// Invariants:
// - Requests always carry a non-empty id; notifications never carry one.
// - Ids are compared as opaque strings; numeric ids are rendered in decimal.
// - Params and results are always JSON objects on the wire ({} when empty).
//
// Usage:
//
//	payload, _ := jsonrpc.EncodeRequest(ids.Next(), "initializeSession", nil)
//	msg, err := jsonrpc.Decode(inbound)
//	if err == nil && msg.Kind == jsonrpc.KindResponse {
//		fields := msg.ResultMap()
//	}
package jsonrpc
