package pipeline

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tagflow/kit"
	"github.com/hazyhaar/tagflow/shield"
	"github.com/hazyhaar/tagflow/store"
)

// RegisterMCP registers the worker tools on an MCP server. They run the same
// operations as the HTTP worker endpoints.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerClaimTool(srv)
	s.registerSubmitTool(srv)
	s.registerStatusTool(srv)
}

// NewMCPServer returns an MCP server carrying the worker tools.
func (s *Service) NewMCPServer(version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "tagflow", Version: version}, nil)
	s.RegisterMCP(srv)
	return srv
}

// robotCtx marks tool calls as worker calls; the transport already checked
// the API key.
func robotCtx(ctx context.Context) context.Context {
	return kit.WithActor(ctx, shield.RobotActor)
}

// toolLog logs every tool call with its duration and outcome.
func (s *Service) toolLog(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				s.logger.Warn("mcp tool failed", "tool", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
			} else {
				s.logger.Debug("mcp tool", "tool", name, "duration_ms", time.Since(start).Milliseconds())
			}
			return resp, err
		}
	}
}

// --- claim ---

type claimReq struct {
	BatchSize int `json:"batchSize,omitempty"`
}

func (s *Service) registerClaimTool(srv *mcp.Server) {
	const name = "tagflow_claim_rows"
	tool := &mcp.Tool{
		Name:        name,
		Description: "Claim up to batchSize unprocessed rows, lowest ids first. Each row comes back as {fileRowId, ssnId, fileId} and is reserved for the caller.",
		InputSchema: kit.ObjectSchema(map[string]any{
			"batchSize": map[string]any{"type": "integer", "description": "Rows to claim (default from config, capped at the configured maximum)"},
		}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*claimReq)
		rows, err := s.Claim(ctx, r.BatchSize)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows, "count": len(rows)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[claimReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r, EnrichCtx: robotCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(name))(endpoint), decode)
}

// --- submit ---

type submitReq struct {
	FileID  int64          `json:"fileId"`
	Results []store.Result `json:"results"`
}

func (s *Service) registerSubmitTool(srv *mcp.Server) {
	const name = "tagflow_submit_results"
	tool := &mcp.Tool{
		Name:        name,
		Description: "Write enrichment results for claimed rows of one file. Rows whose insuranceExpiryDate is in the past are archived and removed. Returns the counts and the file status.",
		InputSchema: kit.ObjectSchema(map[string]any{
			"fileId": map[string]any{"type": "integer", "description": "File (batch) id the rows belong to"},
			"results": map[string]any{
				"type":        "array",
				"description": "One result per row",
				"items": kit.ObjectSchema(map[string]any{
					"fileRowId":           map[string]any{"type": "integer"},
					"status":              map[string]any{"type": "string", "enum": []string{"processed", "processed_with_error"}},
					"ssn":                 map[string]any{"type": "string"},
					"insuranceCompany":    map[string]any{"type": "string"},
					"medicalNetwork":      map[string]any{"type": "string"},
					"identityNumber":      map[string]any{"type": "string"},
					"policyNumber":        map[string]any{"type": "string"},
					"class":               map[string]any{"type": "string"},
					"deductibleRate":      map[string]any{"type": "string"},
					"maxLimit":            map[string]any{"type": "string"},
					"uploadDate":          map[string]any{"type": "string"},
					"insuranceExpiryDate": map[string]any{"type": "string"},
					"beneficiaryType":     map[string]any{"type": "string"},
					"beneficiaryNumber":   map[string]any{"type": "string"},
					"gender":              map[string]any{"type": "string"},
				}, "fileRowId"),
			},
		}, "fileId", "results"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*submitReq)
		return s.ApplyResults(ctx, r.FileID, r.Results)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[submitReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r, EnrichCtx: robotCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(name))(endpoint), decode)
}

// --- status ---

type statusReq struct {
	FileID int64 `json:"fileId"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	const name = "tagflow_batch_status"
	tool := &mcp.Tool{
		Name:        name,
		Description: "Report a file's aggregate status, download link and row counts by status.",
		InputSchema: kit.ObjectSchema(map[string]any{
			"fileId": map[string]any{"type": "integer", "description": "File (batch) id"},
		}, "fileId"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusReq)
		if r.FileID <= 0 {
			return nil, invalidf("fileId is required")
		}
		return s.BatchStatus(ctx, r.FileID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[statusReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r, EnrichCtx: robotCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(name))(endpoint), decode)
}
