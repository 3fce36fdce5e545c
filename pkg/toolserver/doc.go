// Package toolserver serves a tool registry to remote agents as an MCP server over MQTT.
//
// The server announces itself with a retained notifications/server/online message on
// its presence topic and answers initialize, ping, tools/list and tools/call. Requests
// arrive on $mcp-rpc/<caller>/<serverId>/<serverName> and replies go back on the same
// topic. Handlers run on the transport goroutine; replies are acknowledged off it.
package toolserver
