// Package notion integrates the planning surface: work items are planned as
// pages in a Notion database, claimed into local tasks, reviewed through a
// select property, and kept informed by mirroring status back to the page.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/review"
)

const apiVersion = "2022-06-28"

// Database property names the integration reads and writes.
const (
	PropTitle      = "Name"
	PropChannel    = "Channel"
	PropPriority   = "Priority"
	PropStatus     = "Status"
	PropReview     = "Review"
	PropReviewNote = "Review Note"
)

// Status select values a planner sets to hand work to the engine or pull it
// back.
const (
	PageStatusQueued    = "Queued"
	PageStatusCancelled = "Cancelled"
)

// Review select values.
const (
	ReviewApprove = "Approve"
	ReviewReject  = "Reject"
)

// Page is the subset of a Notion page the engine cares about.
type Page struct {
	ID       string
	Title    string
	Channel  string
	Priority string
	Status   string
}

// Client is a minimal Notion API client scoped to the operations the engine
// needs: query a database, read a page, patch a page's status property.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx Notion API response. 429 and 5xx are retryable.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion api: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed on retry.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Wire shapes. Notion nests property values two levels deep; only the
// fields read here are declared.
type queryResponse struct {
	Results    []pageObject `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type pageObject struct {
	ID         string                  `json:"id"`
	Properties map[string]propertyVal `json:"properties"`
}

type propertyVal struct {
	Title    []richText `json:"title"`
	RichText []richText `json:"rich_text"`
	Select   *selectVal `json:"select"`
	Status   *selectVal `json:"status"`
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type selectVal struct {
	Name string `json:"name"`
}

func plainText(rt []richText) string {
	out := ""
	for _, t := range rt {
		out += t.PlainText
	}
	return out
}

func (p pageObject) toPage() Page {
	page := Page{ID: p.ID}
	if v, ok := p.Properties[PropTitle]; ok {
		page.Title = plainText(v.Title)
	}
	if v, ok := p.Properties[PropChannel]; ok && v.Select != nil {
		page.Channel = v.Select.Name
	}
	if v, ok := p.Properties[PropPriority]; ok && v.Select != nil {
		page.Priority = v.Select.Name
	}
	if v, ok := p.Properties[PropStatus]; ok {
		if v.Status != nil {
			page.Status = v.Status.Name
		} else if v.Select != nil {
			page.Status = v.Select.Name
		}
	}
	return page
}

// QueryByStatus pages through the database returning every page whose
// Status select matches.
func (c *Client) QueryByStatus(ctx context.Context, databaseID, status string) ([]Page, error) {
	var pages []Page
	cursor := ""
	for {
		body := map[string]any{
			"filter": map[string]any{
				"property": PropStatus,
				"select":   map[string]any{"equals": status},
			},
			"page_size": 100,
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body, &resp); err != nil {
			return nil, fmt.Errorf("query database: %w", err)
		}
		for _, obj := range resp.Results {
			pages = append(pages, obj.toPage())
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

// GetPage fetches one page with its review properties.
func (c *Client) GetPage(ctx context.Context, pageID string) (*pageReview, error) {
	var obj pageObject
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &obj); err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	pr := &pageReview{Page: obj.toPage()}
	if v, ok := obj.Properties[PropReview]; ok && v.Select != nil {
		pr.Review = v.Select.Name
	}
	if v, ok := obj.Properties[PropReviewNote]; ok {
		pr.Note = plainText(v.RichText)
	}
	return pr, nil
}

type pageReview struct {
	Page   Page
	Review string
	Note   string
}

// SetStatus patches the page's Status select.
func (c *Client) SetStatus(ctx context.Context, pageID, status string) error {
	body := map[string]any{
		"properties": map[string]any{
			PropStatus: map[string]any{
				"select": map[string]any{"name": status},
			},
		},
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("set page status: %w", err)
	}
	return nil
}

// ClearReview resets the Review select after a decision is consumed so the
// next gate starts clean.
func (c *Client) ClearReview(ctx context.Context, pageID string) error {
	body := map[string]any{
		"properties": map[string]any{
			PropReview: map[string]any{"select": nil},
		},
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("clear review: %w", err)
	}
	return nil
}

// Decisions implements review.ApprovalSource by reading each gated task's
// page and interpreting the Review select. Consumed decisions are cleared
// on the page so they cannot be misread at the next gate.
func (c *Client) Decisions(ctx context.Context, tasks []persistence.Task) ([]review.Decision, error) {
	var out []review.Decision
	for _, t := range tasks {
		if t.PageRef == "" {
			continue
		}
		pr, err := c.GetPage(ctx, t.PageRef)
		if err != nil {
			c.logger.Warn("read review page failed", "page_ref", t.PageRef, "error", err)
			continue
		}
		switch pr.Review {
		case ReviewApprove:
			out = append(out, review.Decision{PageRef: t.PageRef, Approve: true, Actor: "notion", Reason: pr.Note})
		case ReviewReject:
			out = append(out, review.Decision{PageRef: t.PageRef, Approve: false, Actor: "notion", Reason: pr.Note})
		default:
			continue
		}
		if err := c.ClearReview(ctx, t.PageRef); err != nil {
			c.logger.Warn("clear review select failed", "page_ref", t.PageRef, "error", err)
		}
	}
	return out, nil
}
