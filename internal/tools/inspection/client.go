// Package inspection implements the voice-driven inspection tools: running a
// vision analysis on the latest camera frame, editing its findings, reporting
// confirmed anomalies and ordering replacement parts.
//
// The vision pipeline and the task database live in a separate backend
// service; Client wraps its HTTP API.
package inspection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/inspexhq/inspex/internal/tools"
)

// Client calls the inspection backend.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client for the backend at baseURL. The default HTTP
// timeout is generous because the vision analysis itself can take minutes.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 3 * time.Minute},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inspect posts one camera frame with the inspector's spoken description and
// returns the vision pipeline's result.
func (c *Client) Inspect(ctx context.Context, image []byte, voiceText, equipmentID, equipmentModel string) (tools.InspectionResult, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("image", "inspection.jpg")
	if err != nil {
		return tools.InspectionResult{}, fmt.Errorf("inspection: build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return tools.InspectionResult{}, fmt.Errorf("inspection: build form: %w", err)
	}
	fields := map[string]string{
		"voice_text":      voiceText,
		"equipment_id":    equipmentID,
		"equipment_model": equipmentModel,
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return tools.InspectionResult{}, fmt.Errorf("inspection: build form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return tools.InspectionResult{}, fmt.Errorf("inspection: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inspect", &body)
	if err != nil {
		return tools.InspectionResult{}, fmt.Errorf("inspection: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var result tools.InspectionResult
	if err := c.do(req, &result); err != nil {
		return tools.InspectionResult{}, err
	}
	return result, nil
}

// ReportAnomalies saves the confirmed findings to the task database.
func (c *Client) ReportAnomalies(ctx context.Context, taskID, inspectionID int, res tools.InspectionResult) (map[string]any, error) {
	status := res.OverallStatus
	if status == "" {
		status = "monitor"
	}
	anomalies := res.Anomalies
	if anomalies == nil {
		anomalies = []tools.Finding{}
	}
	payload := map[string]any{
		"task_id":            taskID,
		"inspection_id":      inspectionID,
		"overall_status":     status,
		"operational_impact": res.OperationalImpact,
		"anomalies":          anomalies,
	}
	return c.postJSON(ctx, "/report-anomalies", payload)
}

// OrderParts checks inventory and creates orders for the suggested parts.
func (c *Client) OrderParts(ctx context.Context, inspectionID int, parts []tools.Part) (map[string]any, error) {
	if parts == nil {
		parts = []tools.Part{}
	}
	payload := map[string]any{
		"inspection_id": inspectionID,
		"parts":         parts,
	}
	return c.postJSON(ctx, "/order-parts", payload)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("inspection: encode %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("inspection: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result map[string]any
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inspection: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("inspection: read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		return fmt.Errorf("inspection: %s returned %d: %s", req.URL.Path, resp.StatusCode, snippet)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("inspection: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
