// Package planner runs the AI side channel: it periodically reviews each
// endpoint's recent runs and lets a model adjust the cadence through a closed
// tool surface. The worker never writes next_run_at; it writes TTL-scoped
// hint fields and the scheduler's next planning cycle picks them up.
package planner

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cronicorn/cronicorn/ai/openrouter"
)

// Tool names the model may call. Anything else is rejected by the
// dispatcher.
const (
	ToolProposeInterval = "propose_interval"
	ToolProposeNextTime = "propose_next_time"
	ToolPauseUntil      = "pause_until"
	ToolResetFailures   = "reset_failures"
	ToolClearHints      = "clear_hints"
)

// toolDefs declares the tool surface with mcp descriptors. The schemas are
// converted to the OpenAI wire format for the chat request; keeping them in
// mcp form gives us one typed source of truth.
func toolDefs() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolProposeInterval,
			mcp.WithDescription("Propose a new polling interval for this endpoint. The hint expires after ttl_ms and the baseline cadence resumes."),
			mcp.WithNumber("ms",
				mcp.Required(),
				mcp.Description("Proposed interval between runs, in milliseconds. Clamped to the endpoint's min/max guardrails."),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("One sentence explaining the proposal, shown to operators."),
			),
			mcp.WithNumber("ttl_ms",
				mcp.Required(),
				mcp.Description("How long the hint stays in effect, in milliseconds."),
			),
		),
		mcp.NewTool(ToolProposeNextTime,
			mcp.WithDescription("Schedule a one-shot run at an absolute time, e.g. to re-check shortly after a failure window."),
			mcp.WithString("at",
				mcp.Required(),
				mcp.Description("RFC3339 timestamp of the proposed run."),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("One sentence explaining the proposal, shown to operators."),
			),
			mcp.WithNumber("ttl_ms",
				mcp.Required(),
				mcp.Description("How long the hint stays in effect, in milliseconds."),
			),
		),
		mcp.NewTool(ToolPauseUntil,
			mcp.WithDescription("Pause all runs of this endpoint until an absolute time. Use for hard outages where polling is pointless."),
			mcp.WithString("at",
				mcp.Required(),
				mcp.Description("RFC3339 timestamp to resume at."),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("One sentence explaining the pause, shown to operators."),
			),
		),
		mcp.NewTool(ToolResetFailures,
			mcp.WithDescription("Reset the endpoint's failure streak to zero, e.g. after diagnosing the failures as a resolved incident."),
		),
		mcp.NewTool(ToolClearHints,
			mcp.WithDescription("Remove all scheduling hints so the baseline cadence applies again."),
		),
	}
}

// chatTools converts the mcp descriptors into the chat API's tool format.
func chatTools() ([]openrouter.Tool, error) {
	defs := toolDefs()
	tools := make([]openrouter.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, err
		}
		tools = append(tools, openrouter.Tool{
			Type: "function",
			Function: openrouter.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}
