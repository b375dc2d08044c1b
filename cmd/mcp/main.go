// poisonguard MCP server - exposes the screening engine as MCP tools over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/poisonguard/internal/mcpserver"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
)

func main() {
	defaults := params.Defaults()
	if path := os.Getenv("PARAMS_FILE"); path != "" {
		p, err := params.LoadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defaults = p
	}

	s := mcpserver.NewMCPServer(risk.NewEngine(), defaults)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
