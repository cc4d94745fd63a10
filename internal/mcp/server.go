// Package mcp exposes the dilemma and story services as MCP tools, so an
// MCP client can play the game or inspect the content over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/pkg/audit"
	"github.com/hazyhaar/pkg/kit"

	"github.com/hazyhaar/moraltorture/internal/dilemma"
	"github.com/hazyhaar/moraltorture/internal/story"
)

const defaultLanguage = "en"

// Counter reports how many dilemmas each language holds.
type Counter interface {
	CountDilemmas(ctx context.Context) (map[string]int, error)
}

// Deps are the services the tools call. A nil service drops its tools.
type Deps struct {
	Dilemmas *dilemma.Service
	Stories  *story.Service
	Counter  Counter

	// Audit, when set, records every tool call.
	Audit audit.Logger
}

type toolDef struct {
	tool     mcp.Tool
	endpoint kit.Endpoint
	decode   func(mcp.CallToolRequest) (*kit.MCPDecodeResult, error)
}

// NewServer creates an MCPServer with every available tool registered.
func NewServer(d Deps, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"moraltorture",
		version,
		server.WithToolCapabilities(true),
	)
	for _, t := range tools(d) {
		kit.RegisterMCPTool(srv, t.tool, wrap(d, t.tool.Name, t.endpoint), t.decode)
	}
	return srv
}

// wrap applies the logging and audit middleware every registered tool runs behind.
func wrap(d Deps, name string, endpoint kit.Endpoint) kit.Endpoint {
	endpoint = logged(name, endpoint)
	if d.Audit != nil {
		endpoint = audit.Middleware(d.Audit, name)(endpoint)
	}
	return endpoint
}

// ServeStdio runs the server on stdin/stdout until the client disconnects.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

func tools(d Deps) []toolDef {
	var out []toolDef
	if d.Dilemmas != nil {
		out = append(out, getDilemma(d.Dilemmas), vote(d.Dilemmas))
	}
	if d.Stories != nil {
		out = append(out, getStoryFlow(d.Stories), storyNodeVote(d.Stories))
	}
	if d.Counter != nil {
		out = append(out, contentStats(d.Counter))
	}
	return out
}

// logged wraps an endpoint with a log line carrying duration and outcome.
func logged(name string, next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		start := time.Now()
		resp, err := next(ctx, request)
		if err != nil {
			slog.Warn("mcp tool failed", "tool", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
			return nil, err
		}
		slog.Info("mcp tool", "tool", name, "duration_ms", time.Since(start).Milliseconds())
		return resp, nil
	}
}

func rawSchema(properties map[string]any, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	b, _ := json.Marshal(s)
	return b
}

// --- get_dilemma ---

type getDilemmaReq struct {
	Language string   `json:"language"`
	Exclude  []string `json:"exclude"`
}

func getDilemma(svc *dilemma.Service) toolDef {
	schema := rawSchema(map[string]any{
		"language": map[string]string{"type": "string", "description": "Language code, default en"},
		"exclude":  map[string]any{"type": "array", "items": map[string]string{"type": "string"}, "description": "Dilemma ids already seen"},
	})
	return toolDef{
		tool: mcp.NewToolWithRawSchema("get_dilemma", "Pick a random dilemma the player has not seen yet", schema),
		endpoint: func(ctx context.Context, request any) (any, error) {
			r := request.(*getDilemmaReq)
			exclude := make(map[string]struct{}, len(r.Exclude))
			for _, id := range r.Exclude {
				exclude[id] = struct{}{}
			}
			return svc.Random(ctx, r.Language, exclude)
		},
		decode: func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			args := req.GetArguments()
			return &kit.MCPDecodeResult{Request: &getDilemmaReq{
				Language: stringArg(args, "language", defaultLanguage),
				Exclude:  stringsArg(args, "exclude"),
			}}, nil
		},
	}
}

// --- vote ---

type voteReq struct {
	ID   string `json:"id"`
	Vote string `json:"vote"`
}

func vote(svc *dilemma.Service) toolDef {
	schema := rawSchema(map[string]any{
		"id":   map[string]string{"type": "string", "description": "Dilemma id, e.g. trolley-en"},
		"vote": map[string]any{"type": "string", "enum": []string{"yes", "no"}},
	}, "id", "vote")
	return toolDef{
		tool: mcp.NewToolWithRawSchema("vote", "Cast a yes/no vote on a dilemma and return the new tallies", schema),
		endpoint: func(ctx context.Context, request any) (any, error) {
			r := request.(*voteReq)
			return svc.Vote(ctx, r.ID, r.Vote)
		},
		decode: func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			args := req.GetArguments()
			return &kit.MCPDecodeResult{Request: &voteReq{
				ID:   stringArg(args, "id", ""),
				Vote: stringArg(args, "vote", ""),
			}}, nil
		},
	}
}

// --- get_story_flow ---

type getStoryFlowReq struct {
	Language string `json:"language"`
	FlowID   string `json:"flow_id"`
}

func getStoryFlow(svc *story.Service) toolDef {
	schema := rawSchema(map[string]any{
		"language": map[string]string{"type": "string", "description": "Language code, default en"},
		"flow_id":  map[string]string{"type": "string", "description": "Base flow id; a random flow when empty"},
	})
	return toolDef{
		tool: mcp.NewToolWithRawSchema("get_story_flow", "Fetch a branching story flow with all its nodes", schema),
		endpoint: func(ctx context.Context, request any) (any, error) {
			r := request.(*getStoryFlowReq)
			return svc.Flow(ctx, r.Language, r.FlowID)
		},
		decode: func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			args := req.GetArguments()
			return &kit.MCPDecodeResult{Request: &getStoryFlowReq{
				Language: stringArg(args, "language", defaultLanguage),
				FlowID:   stringArg(args, "flow_id", ""),
			}}, nil
		},
	}
}

// --- story_node_vote ---

type storyNodeVoteReq struct {
	FlowID string `json:"flow_id"`
	NodeID string `json:"node_id"`
	Vote   string `json:"vote"`
}

func storyNodeVote(svc *story.Service) toolDef {
	schema := rawSchema(map[string]any{
		"flow_id": map[string]string{"type": "string", "description": "Full flow id, e.g. heist-en"},
		"node_id": map[string]string{"type": "string"},
		"vote":    map[string]any{"type": "string", "enum": []string{"first", "second"}},
	}, "flow_id", "node_id", "vote")
	return toolDef{
		tool: mcp.NewToolWithRawSchema("story_node_vote", "Choose an answer at a story node and get the next node", schema),
		endpoint: func(ctx context.Context, request any) (any, error) {
			r := request.(*storyNodeVoteReq)
			return svc.Vote(ctx, r.FlowID, r.NodeID, r.Vote)
		},
		decode: func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			args := req.GetArguments()
			return &kit.MCPDecodeResult{Request: &storyNodeVoteReq{
				FlowID: stringArg(args, "flow_id", ""),
				NodeID: stringArg(args, "node_id", ""),
				Vote:   stringArg(args, "vote", ""),
			}}, nil
		},
	}
}

// --- content_stats ---

type contentStatsReq struct{}

func contentStats(c Counter) toolDef {
	return toolDef{
		tool: mcp.NewToolWithRawSchema("content_stats", "Count dilemmas per language", rawSchema(map[string]any{})),
		endpoint: func(ctx context.Context, _ any) (any, error) {
			counts, err := c.CountDilemmas(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"dilemmas": counts}, nil
		},
		decode: func(mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			return &kit.MCPDecodeResult{Request: &contentStatsReq{}}, nil
		},
	}
}

// --- helpers ---

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func stringsArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = v
	}
	return out
}
