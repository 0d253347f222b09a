// Package mcp exposes the admission pipeline as an MCP tool surface, using
// mark3labs/mcp-go, so an MCP-speaking agent is funneled through the same
// pipeline.Admit code path an HTTP-speaking agent uses.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/pipeline"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/upload"
)

// Server wires pipeline.Admit, upload.RequestPresignedUrl, and
// store.RequestStore.Get as three MCP tools.
type Server struct {
	mcp      *server.MCPServer
	pipeline *pipeline.Pipeline
	uploads  *upload.Service
	requests store.RequestStore
}

func New(name, version string, p *pipeline.Pipeline, uploads *upload.Service, requests store.RequestStore) *Server {
	s := &Server{
		mcp:      server.NewMCPServer(name, version),
		pipeline: p,
		uploads:  uploads,
		requests: requests,
	}
	s.registerTools()
	return s
}

// ServeStdio runs the MCP server over stdio, the transport an agent process
// spawned as a subprocess uses.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("submit_command",
		mcp.WithDescription("Submit an AWS CLI command for admission review. Returns its status and request_id."),
		mcp.WithString("command", mcp.Required(), mcp.Description("the full command line, e.g. 'aws s3 ls s3://bucket'")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("why the agent wants to run this command")),
		mcp.WithString("source", mcp.Required(), mcp.Description("identifier of the submitting agent/bot")),
		mcp.WithString("trust_scope", mcp.Description("trust scope to check for an open auto-approval session")),
		mcp.WithString("account_id", mcp.Description("target AWS account id")),
	), s.submitCommand)

	s.mcp.AddTool(mcp.NewTool("request_presigned_upload",
		mcp.WithDescription("Request a presigned S3 upload URL. Not subject to approval; rate-limited and audit-logged."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("name of the file to upload")),
		mcp.WithString("content_type", mcp.Description("MIME type of the file")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("why the upload is needed")),
		mcp.WithString("source", mcp.Required(), mcp.Description("identifier of the submitting agent/bot")),
		mcp.WithString("account_id", mcp.Description("account whose staging bucket to use")),
	), s.requestPresignedUpload)

	s.mcp.AddTool(mcp.NewTool("check_status",
		mcp.WithDescription("Look up the current status of a previously submitted request."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("id returned by submit_command")),
	), s.checkStatus)
}

func (s *Server) submitCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := request.GetString("command", "")
	reason := request.GetString("reason", "")
	source := request.GetString("source", "")
	if command == "" || reason == "" || source == "" {
		return mcp.NewToolResultError("command, reason, and source are required"), nil
	}

	record, err := s.pipeline.Admit(ctx, pipeline.AdmitInput{
		Command:    command,
		Reason:     reason,
		Source:     source,
		TrustScope: request.GetString("trust_scope", ""),
		AccountID:  request.GetString("account_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"status=%s request_id=%s summary=%q", record.Status, record.RequestID, record.DisplaySummary,
	)), nil
}

func (s *Server) requestPresignedUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename := request.GetString("filename", "")
	reason := request.GetString("reason", "")
	source := request.GetString("source", "")
	if filename == "" || reason == "" || source == "" {
		return mcp.NewToolResultError("filename, reason, and source are required"), nil
	}

	result, err := s.uploads.RequestPresignedUrl(ctx, upload.File{
		Filename:    filename,
		ContentType: request.GetString("content_type", "application/octet-stream"),
	}, reason, source, request.GetString("account_id", ""), 15*time.Minute)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"presigned_url=%s s3_uri=%s expires_at=%s", result.PresignedURL, result.S3URI, result.ExpiresAt.Format(time.RFC3339),
	)), nil
}

func (s *Server) checkStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := request.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	record, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(statusLine(record)), nil
}

func statusLine(record *model.ApprovalRequest) string {
	if record.Status.Terminal() && record.Result != "" {
		return fmt.Sprintf("status=%s result=%s", record.Status, record.Result)
	}
	return fmt.Sprintf("status=%s expires_at=%s", record.Status, record.ExpiresAt.Format(time.RFC3339))
}
