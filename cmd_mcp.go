package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/jobserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools only (HTTP by default, stdio with --stdio)",
	Long: `Serves the job tools as an MCP server.

With --browser the process serves only browser_easy_apply over stdio and
drives Chrome itself. This is the subprocess the main process starts when
BROWSER_MCP_COMMAND is set.`,
	RunE: runMCP,
}

var (
	mcpStdio   bool
	mcpBrowser bool
)

func init() {
	mcpCmd.Flags().BoolVar(&mcpStdio, "stdio", false, "Serve over stdin/stdout instead of HTTP")
	mcpCmd.Flags().BoolVar(&mcpBrowser, "browser", false, "Serve only browser_easy_apply over stdio")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := newMCPServer()

	if mcpBrowser {
		profiles, err := loadProfileStore()
		if err != nil {
			return err
		}
		b := jobs.NewBrowserApplier(browserConfig(), jobs.NewStoreAnswerer(profiles, llmCompleter()))
		defer b.Close()
		jobserver.RegisterBrowserTools(server, b)
		slog.Info("browser subprocess ready", slog.String("profile", profilePath()))
		return server.Run(ctx, &mcp.StdioTransport{})
	}

	a, err := openApp(ctx, ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	jobserver.RegisterTools(server, a.svc)

	if mcpStdio {
		return server.Run(ctx, &mcp.StdioTransport{})
	}
	return mcpserver.Run(server, mcpserver.Config{
		Name:         "go_apply",
		Version:      version,
		Port:         env.Str("MCP_PORT", "8891"),
		WriteTimeout: 600 * time.Second,
		Metrics:      engine.FormatMetrics,
	})
}
