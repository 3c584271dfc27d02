package tools

import (
	"fmt"
	"sync"
)

// Finding is one anomaly identified by the vision pipeline. Inspectors
// reference findings by 1-based number when correcting them by voice.
type Finding struct {
	Component   string `json:"component"`
	Severity    string `json:"severity"`
	Issue       string `json:"issue"`
	Description string `json:"description,omitempty"`
}

// Part is one replacement part suggested for an anomaly.
type Part struct {
	Name         string `json:"part_name"`
	ComponentTag string `json:"component_tag"`
	Quantity     int    `json:"quantity"`
	Urgency      string `json:"urgency"`
}

// InspectionResult is the full outcome of one vision inspection, kept in the
// session context so later report/order calls can reuse it.
type InspectionResult struct {
	OverallStatus     string    `json:"overall_status"`
	Component         string    `json:"component_identified"`
	OperationalImpact string    `json:"operational_impact"`
	Anomalies         []Finding `json:"anomalies"`
	Parts             []Part    `json:"parts"`
}

// Context is the per-session state threaded through tool handlers. One
// Context exists per relay session; it is never shared across sessions, so
// concurrent sessions cannot observe each other's inspection results.
type Context struct {
	SessionID    string
	MachineID    string
	TaskID       int
	InspectionID int

	mu         sync.Mutex
	inspection *InspectionResult
	image      []byte
	imageMIME  string
}

// NewContext creates a Context for one session.
func NewContext(sessionID, machineID string, taskID, inspectionID int) *Context {
	return &Context{
		SessionID:    sessionID,
		MachineID:    machineID,
		TaskID:       taskID,
		InspectionID: inspectionID,
	}
}

// SetLatestImage stores the most recent camera frame received from the
// client. The vision inspection runs on this frame.
func (c *Context) SetLatestImage(data []byte, mimeType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.image = append(c.image[:0:0], data...)
	c.imageMIME = mimeType
}

// LatestImage returns a copy of the most recent camera frame. ok is false
// when the client has not sent one yet.
func (c *Context) LatestImage() (data []byte, mimeType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.image) == 0 {
		return nil, "", false
	}
	return append([]byte(nil), c.image...), c.imageMIME, true
}

// SetInspection stores the latest inspection outcome, replacing any previous
// one.
func (c *Context) SetInspection(res InspectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inspection = &res
}

// Inspection returns a copy of the stored inspection outcome. ok is false
// when no inspection has run in this session.
func (c *Context) Inspection() (InspectionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inspection == nil {
		return InspectionResult{}, false
	}
	res := *c.inspection
	res.Anomalies = append([]Finding(nil), c.inspection.Anomalies...)
	res.Parts = append([]Part(nil), c.inspection.Parts...)
	return res, true
}

// UpdateFinding modifies the finding at the given 1-based number. Empty
// fields are left unchanged. It returns a human-readable change list for the
// model to read back.
func (c *Context) UpdateFinding(number int, issue, severity, description string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.findingIndex(number)
	if err != nil {
		return nil, err
	}

	f := &c.inspection.Anomalies[idx]
	var changes []string
	if issue != "" {
		changes = append(changes, fmt.Sprintf("issue: %q -> %q", f.Issue, issue))
		f.Issue = issue
	}
	if severity != "" {
		changes = append(changes, fmt.Sprintf("severity: %q -> %q", f.Severity, severity))
		f.Severity = severity
	}
	if description != "" {
		changes = append(changes, "description updated")
		f.Description = description
	}

	c.refreshParts()
	return changes, nil
}

// RemoveFinding deletes the finding at the given 1-based number and returns
// it. Parts whose component no longer has a matching anomaly are dropped.
func (c *Context) RemoveFinding(number int) (Finding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.findingIndex(number)
	if err != nil {
		return Finding{}, err
	}

	removed := c.inspection.Anomalies[idx]
	c.inspection.Anomalies = append(c.inspection.Anomalies[:idx], c.inspection.Anomalies[idx+1:]...)
	c.refreshParts()
	return removed, nil
}

// NumberedFindings renders the current findings as "#N severity: issue"
// lines, the shape the model reads back to the inspector.
func (c *Context) NumberedFindings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inspection == nil {
		return nil
	}
	lines := make([]string, 0, len(c.inspection.Anomalies))
	for i, a := range c.inspection.Anomalies {
		lines = append(lines, fmt.Sprintf("#%d %s: %s", i+1, a.Severity, a.Issue))
	}
	return lines
}

// findingIndex validates a 1-based finding number. Caller holds c.mu.
func (c *Context) findingIndex(number int) (int, error) {
	if c.inspection == nil {
		return 0, fmt.Errorf("tools: no inspection results to edit; run an inspection first")
	}
	idx := number - 1
	if idx < 0 || idx >= len(c.inspection.Anomalies) {
		return 0, fmt.Errorf("tools: finding #%d does not exist; there are %d findings",
			number, len(c.inspection.Anomalies))
	}
	return idx, nil
}

// refreshParts drops parts whose component no longer has a matching anomaly,
// keeping the parts list in sync with edited findings. Caller holds c.mu.
func (c *Context) refreshParts() {
	components := make(map[string]struct{}, len(c.inspection.Anomalies))
	for _, a := range c.inspection.Anomalies {
		components[a.Component] = struct{}{}
	}
	filtered := c.inspection.Parts[:0]
	for _, p := range c.inspection.Parts {
		if _, ok := components[p.ComponentTag]; ok {
			filtered = append(filtered, p)
		}
	}
	c.inspection.Parts = filtered
}
