// Spendgate MCP Server - Exposes the payment gate as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/spendgate/internal/mcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	apiKey, err := requireEnv("SPENDGATE_API_KEY")
	if err != nil {
		return err
	}
	agentAddr, err := requireEnv("SPENDGATE_AGENT_ADDRESS")
	if err != nil {
		return err
	}
	apiURL := os.Getenv("SPENDGATE_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:       apiURL,
		APIKey:       apiKey,
		AgentAddress: agentAddr,
	})
	return server.ServeStdio(s)
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
