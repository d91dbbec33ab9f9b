package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `kairos serves a local dashboard page and a versioned JSON sync payload the page polls.

- get_sync_state returns the current payload ({timestamp, version, data}).
- publish_section queues top-level sections; writes are debounced and merged. Pass flush=true to write now.
- get_sync_status and get_server_info report health and counters.
- diagnose_config checks the active configuration.
- query_audit searches the audit trail when auditing is enabled.

Docs:
- kairos://docs/index
- kairos://docs/sync-payload
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "kairos://docs/index",
		Name:        "docs_index",
		Title:       "kairos docs index",
		Description: "What the server exposes and which tool to use.",
		Content: `# kairos

The server writes a JSON payload to ` + "`data/sync.json`" + ` under the HTML directory and serves it at ` + "`/data/sync.json`" + `.
The page polls that URL and re-renders when ` + "`version`" + ` changes.

## Tools

- ` + "`get_sync_state`" + ` read the payload.
- ` + "`publish_section`" + ` queue one section. Bursts inside the debounce window collapse into one write.
- ` + "`get_sync_status`" + ` write counters, breaker state and the last error code.
- ` + "`get_server_info`" + ` host, port, URL and request counters.
- ` + "`diagnose_config`" + ` errors, warnings and port availability for the loaded config.
- ` + "`query_audit`" + ` filtered audit events plus a summary.

See ` + "`kairos://docs/sync-payload`" + ` for the payload sections the bundled page understands.
`,
	},
	{
		URI:         "kairos://docs/sync-payload",
		Name:        "docs_sync_payload",
		Title:       "Sync payload sections",
		Description: "Section names and fields rendered by the bundled dashboard page.",
		Content: `# Sync payload

Every write produces ` + "`{\"timestamp\": RFC3339, \"version\": n, \"data\": {...}}`" + `. The version strictly increases.

Sections read by the bundled page:

- ` + "`time_tracker`" + `: elapsed, running, paused, project, task, total_today, daily_goal
- ` + "`workflow`" + `: progress, stage, total_stages, completed_stages, active, estimated_remaining
- ` + "`notifications`" + `: total, unread, last, last_at, types
- ` + "`layout`" + `: expanded, breakpoint, width, height, visible_components

Unknown sections are stored and served unchanged.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
