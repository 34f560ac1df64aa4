// Voting harness MCP server.
// Exposes the status API over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/votebot/internal/mcp"
)

func main() {
	_ = godotenv.Load()

	statusURL := os.Getenv("VOTEBOT_URL")
	if statusURL == "" {
		statusURL = "http://localhost:13002"
	}

	s := server.NewMCPServer(
		"votebot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(statusURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
