package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/bouncer/internal/mcp"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/pipeline"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the approval gateway as an MCP stdio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

// runMCP builds the same collaborator graph serve does, minus the HTTP
// layer. It has no cross-grant command index of its own (that index lives
// in gatewayhttp, built alongside the grant-approval callback routes an
// stdio MCP session never receives), so grant lookups here always miss;
// an MCP caller wanting grant-scoped auto-approval needs the HTTP surface.
func runMCP(ctx context.Context) error {
	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.be.closer()

	noGrantLookup := func(ctx context.Context, source, trustScope, accountID, command string) (string, bool) {
		return "", false
	}

	p := pipeline.New(c.be.requests, c.be.audit, c.tables, c.limiter, c.trustMgr, c.grantMgr, noGrantLookup, c.exec,
		notifier.PipelineAdapter{Inner: c.notify, ButtonSet: notifier.ButtonsStandard}, pipeline.Config{})

	srv := mcp.New("bouncer", "0.1.0", p, c.uploads, c.be.requests)
	return srv.ServeStdio()
}
