// Package mcp implements the core of the Model Context Protocol (MCP): the
// JSON-RPC envelope model, the Transport abstraction, and the connection
// runtime that correlates concurrent requests with their responses. This
// implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package ships transports for stdio pipes, raw sockets, child processes,
// Server-Sent Events, and streamable HTTP, plus a tool router with JSON
// Schema validation and a typed tool builder. Client and Server are thin
// typed facades over the same runtime; integrators with custom methods can
// implement Handler directly.
package mcp
