package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
)

type emptyInput struct{}

type publishSectionInput struct {
	Section string `json:"section" jsonschema:"Top-level section name, e.g. time_tracker"`
	Value   any    `json:"value" jsonschema:"Section value; any JSON"`
	Flush   bool   `json:"flush,omitempty" jsonschema:"Write immediately instead of waiting for the debounce window"`
}

type queryAuditInput struct {
	SinceMinutes int      `json:"since_minutes,omitempty" jsonschema:"Only events newer than this many minutes"`
	Types        []string `json:"types,omitempty" jsonschema:"Event types, e.g. sync.failed"`
	Severities   []string `json:"severities,omitempty" jsonschema:"INFO, WARNING, ERROR or CRITICAL"`
	Component    string   `json:"component,omitempty" jsonschema:"Case-insensitive component substring"`
	Limit        int      `json:"limit,omitempty" jsonschema:"Maximum events to return (default 50)"`
}

type syncStatusResult struct {
	syncstate.State
	SuccessRate float64 `json:"success_rate"`
}

type auditResult struct {
	Events []audit.Event `json:"events"`
	Stats  audit.Stats   `json:"stats"`
}

const defaultAuditLimit = 50

func registerTools(server *sdkmcp.Server, svc Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_sync_state",
		Description: "Get the current sync payload with its version and timestamp",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		env, err := svc.Sync.Get(ctx)
		if err != nil {
			return nil, nil, toolError(err)
		}
		return jsonResult(env)
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "publish_section",
		Description: "Queue a top-level section of the sync payload; bursts are merged into one write",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in publishSectionInput) (*sdkmcp.CallToolResult, any, error) {
		if in.Section == "" {
			return nil, nil, toolError(fmt.Errorf("%w: section is required", syncstate.ErrInvalidData))
		}
		svc.Sync.Publish(map[string]any{in.Section: in.Value})
		if in.Flush {
			if err := svc.Sync.Flush(ctx); err != nil {
				return nil, nil, toolError(err)
			}
		}
		return jsonResult(map[string]any{
			"section": in.Section,
			"flushed": in.Flush,
			"version": svc.Sync.State().Version,
		})
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_sync_status",
		Description: "Get sync write counters, breaker state and last error",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		st := svc.Sync.State()
		return jsonResult(syncStatusResult{State: st, SuccessRate: st.SuccessRate()})
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_server_info",
		Description: "Get the local web server's address and request counters",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		if svc.Web == nil {
			return nil, nil, &APIError{Code: "UNAVAILABLE", Message: "web server is not running in this process"}
		}
		return jsonResult(svc.Web.Stats())
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "diagnose_config",
		Description: "Validate the active configuration and probe the port range",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		if svc.Config == nil {
			return nil, nil, &APIError{Code: "UNAVAILABLE", Message: "no configuration loaded"}
		}
		return jsonResult(config.Diagnose(svc.Config(), nil))
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "query_audit",
		Description: "Search audit events, newest first, with a summary by type and severity",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in queryAuditInput) (*sdkmcp.CallToolResult, any, error) {
		if svc.Audit == nil {
			return nil, nil, &APIError{Code: "UNAVAILABLE", Message: "audit logging is disabled", RecoveryHint: "Set audit.enabled in the config"}
		}
		q := audit.Query{Component: in.Component, Limit: in.Limit}
		if q.Limit <= 0 {
			q.Limit = defaultAuditLimit
		}
		if in.SinceMinutes > 0 {
			q.Since = time.Now().Add(-time.Duration(in.SinceMinutes) * time.Minute)
		}
		for _, t := range in.Types {
			q.Types = append(q.Types, audit.EventType(t))
		}
		for _, s := range in.Severities {
			q.Severities = append(q.Severities, audit.ParseSeverity(s))
		}

		events, err := svc.Audit.Query(ctx, q)
		if err != nil {
			return nil, nil, toolError(err)
		}
		stats, err := svc.Audit.Stats(ctx, q.Since)
		if err != nil {
			return nil, nil, toolError(err)
		}
		if events == nil {
			events = []audit.Event{}
		}
		return jsonResult(auditResult{Events: events, Stats: stats})
	})
}

func jsonResult(v any) (*sdkmcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}, nil, nil
}
