// Package mcp implements the client side of MCP (Model Context
// Protocol): the JSON-RPC 2.0 codec, stdio, HTTP and WebSocket
// transports, a protocol client with retry and a cached tool list, a
// connection pool that keeps one initialized client per server and
// replaces unhealthy ones, and the bridge that registers remote tools
// as proxy tools in a tools.Registry.
//
// The package only consumes MCP servers; it never acts as one.
package mcp
