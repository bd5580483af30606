// Package mcp exposes the trace server operations as MCP tools. JSON payloads
// cross the tool boundary as plain JSON values and timestamps as RFC 3339
// strings.
package mcp

import (
	"context"
	"net/http"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"traceserver/internal/trace"
)

type Server struct {
	trace *trace.Server
	mcp   *sdk.Server
}

func NewServer(srv *trace.Server, version string) *Server {
	s := &Server{
		trace: srv,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "traceserver",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server {
		return s.mcp
	}, nil)
}

func (s *Server) registerTools() {
	s.registerCallTools()
	s.registerObjectTools()
	s.registerTableTools()
	s.registerFeedbackTools()
}
