// Command mcp-gateway bridges browser-reachable HTTP sessions to MCP
// backends over stdio, SSE or Streamable HTTP.
package main

import "github.com/akfldk1028/mcp-gateway/cmd/mcp-gateway/cmd"

func main() {
	cmd.Execute()
}
