package inspection

import (
	"context"
	"fmt"

	"github.com/inspexhq/inspex/internal/tools"
	"github.com/inspexhq/inspex/pkg/upstream"
)

const (
	defaultEquipmentID    = "CAT-320-002"
	defaultEquipmentModel = "CAT 320 Excavator"

	maxSpokenImpact   = 120
	maxSpokenFindings = 5
	maxSpokenParts    = 3
)

// Tools returns the inspection tool set backed by the given client, ready
// for registration.
func Tools(c *Client) []tools.Tool {
	return []tools.Tool{
		{Declaration: runInspectionDecl, Handler: c.runInspection},
		{Declaration: reportAnomaliesDecl, Handler: c.reportAnomalies},
		{Declaration: editFindingsDecl, Handler: editFindings},
		{Declaration: orderPartsDecl, Handler: c.orderParts},
	}
}

var runInspectionDecl = upstream.ToolDeclaration{
	Name: "run_inspection",
	Description: "Run an AI inspection on a CAT equipment component. " +
		"Call this when the user describes damage or asks to inspect something.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"voice_text": map[string]any{
				"type":        "string",
				"description": "What the inspector said about the damage",
			},
			"equipment_id": map[string]any{
				"type":        "string",
				"description": "Equipment ID e.g. CAT-320-002",
			},
		},
		"required": []string{"voice_text"},
	},
}

var reportAnomaliesDecl = upstream.ToolDeclaration{
	Name: "report_anomalies",
	Description: "Save the inspection findings (anomalies) to the task database. " +
		"Call this AFTER run_inspection when the inspector confirms they want to report the findings.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"confirmed": map[string]any{
				"type":        "boolean",
				"description": "True if the inspector confirmed reporting",
			},
		},
		"required": []string{"confirmed"},
	},
}

var editFindingsDecl = upstream.ToolDeclaration{
	Name: "edit_findings",
	Description: "Modify an inspection finding. Use when the inspector wants to correct, " +
		"change severity, or remove a finding. Call BEFORE report_anomalies.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "'update' to change a finding, 'remove' to delete it",
			},
			"finding_number": map[string]any{
				"type":        "integer",
				"description": "Which finding to edit (1, 2, 3, etc.)",
			},
			"new_issue": map[string]any{
				"type":        "string",
				"description": "New issue text (for update action)",
			},
			"new_severity": map[string]any{
				"type":        "string",
				"description": "New severity: fail, monitor, normal, or pass",
			},
			"new_description": map[string]any{
				"type":        "string",
				"description": "New description text (for update action)",
			},
		},
		"required": []string{"action", "finding_number"},
	},
}

var orderPartsDecl = upstream.ToolDeclaration{
	Name: "order_parts",
	Description: "Check inventory and order replacement parts for the inspection. " +
		"Call this AFTER report_anomalies when the inspector confirms they want to order parts.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"confirmed": map[string]any{
				"type":        "boolean",
				"description": "True if the inspector confirmed ordering parts",
			},
		},
		"required": []string{"confirmed"},
	},
}

// runInspection analyzes the latest camera frame, stores the full result in
// the session context and returns a short spoken summary.
func (c *Client) runInspection(ctx context.Context, args map[string]any, sctx *tools.Context) (any, error) {
	image, _, ok := sctx.LatestImage()
	if !ok {
		return map[string]any{
			"error": "No image captured yet. Ask the inspector to point the camera at the component.",
		}, nil
	}

	voiceText, _ := args["voice_text"].(string)
	equipmentID, _ := args["equipment_id"].(string)
	if equipmentID == "" {
		equipmentID = sctx.MachineID
	}
	if equipmentID == "" {
		equipmentID = defaultEquipmentID
	}

	result, err := c.Inspect(ctx, image, voiceText, equipmentID, defaultEquipmentModel)
	if err != nil {
		return nil, err
	}

	// The full result stays in the session for later report and order
	// calls; the model only hears the trimmed version.
	sctx.SetInspection(result)
	return trimForSpeech(result), nil
}

// reportAnomalies saves the current findings after explicit confirmation.
func (c *Client) reportAnomalies(ctx context.Context, args map[string]any, sctx *tools.Context) (any, error) {
	if confirmed, _ := args["confirmed"].(bool); !confirmed {
		return map[string]any{"status": "skipped", "message": "Inspector declined to report"}, nil
	}
	res, ok := sctx.Inspection()
	if !ok {
		return map[string]any{"error": "No inspection results available. Run an inspection first."}, nil
	}
	return c.ReportAnomalies(ctx, sctx.TaskID, sctx.InspectionID, res)
}

// orderParts orders the suggested parts after explicit confirmation.
func (c *Client) orderParts(ctx context.Context, args map[string]any, sctx *tools.Context) (any, error) {
	if confirmed, _ := args["confirmed"].(bool); !confirmed {
		return map[string]any{"status": "skipped", "message": "Inspector declined to order parts"}, nil
	}
	res, ok := sctx.Inspection()
	if !ok {
		return map[string]any{"error": "No inspection results available. Run an inspection first."}, nil
	}
	return c.OrderParts(ctx, sctx.InspectionID, res.Parts)
}

// editFindings corrects the stored findings by voice before they are
// reported. Purely in-memory; no backend call.
func editFindings(_ context.Context, args map[string]any, sctx *tools.Context) (any, error) {
	action, _ := args["action"].(string)
	if action == "" {
		action = "update"
	}
	number := intArg(args, "finding_number")

	switch action {
	case "remove":
		removed, err := sctx.RemoveFinding(number)
		if err != nil {
			return map[string]any{"error": err.Error()}, nil
		}
		return map[string]any{
			"status":             "removed",
			"removed":            removed.Issue,
			"remaining_findings": sctx.NumberedFindings(),
		}, nil

	case "update":
		issue, _ := args["new_issue"].(string)
		severity, _ := args["new_severity"].(string)
		description, _ := args["new_description"].(string)
		changes, err := sctx.UpdateFinding(number, issue, severity, description)
		if err != nil {
			return map[string]any{"error": err.Error()}, nil
		}
		return map[string]any{
			"status":           "updated",
			"changes":          changes,
			"updated_findings": sctx.NumberedFindings(),
		}, nil

	default:
		return map[string]any{
			"error": fmt.Sprintf("Unknown action: %s. Use 'update' or 'remove'.", action),
		}, nil
	}
}

// trimForSpeech cuts the full inspection result down to a payload small
// enough for the model to speak. Findings are numbered so the inspector can
// say "change finding 2".
func trimForSpeech(res tools.InspectionResult) map[string]any {
	status := res.OverallStatus
	if status == "" {
		status = "unknown"
	}
	component := res.Component
	if component == "" {
		component = "unknown"
	}
	impact := res.OperationalImpact
	if len(impact) > maxSpokenImpact {
		impact = impact[:maxSpokenImpact]
	}

	findings := make([]string, 0, maxSpokenFindings)
	for i, a := range res.Anomalies {
		if i == maxSpokenFindings {
			break
		}
		findings = append(findings, fmt.Sprintf("#%d %s: %s", i+1, a.Severity, a.Issue))
	}

	parts := make([]string, 0, maxSpokenParts)
	for i, p := range res.Parts {
		if i == maxSpokenParts {
			break
		}
		parts = append(parts, p.Name)
	}

	return map[string]any{
		"status":       status,
		"component":    component,
		"impact":       impact,
		"findings":     findings,
		"parts_needed": parts,
	}
}

// intArg reads an integer argument that may arrive as a JSON number or a
// numeric string.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
