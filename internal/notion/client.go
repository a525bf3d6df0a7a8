// Package notion is the remote store: a small client for the Notion REST
// API covering exactly what the sync engine needs.
//
// # Overview
//
// The client reads every page of one database (paginated query), creates
// and updates pages, and archives pages as its delete. Requests are paced
// client-side at Notion's documented average of three per second, and
// failures are classified for the engine's retry loop:
//
//	429          -> *sync.RateLimitedError (Retry-After honored)
//	5xx, timeout -> *sync.TransientError
//	other 4xx    -> *APIError (structural, never retried)
//
// Retrying is the engine's job; the client makes exactly one attempt per
// call.
//
// # Usage
//
//	client, err := notion.New(notion.Config{
//	    APIKey:     os.Getenv("NOTION_API_KEY"),
//	    DatabaseID: os.Getenv("NOTION_DATABASE_ID"),
//	})
//	if err != nil {
//	    return err
//	}
//	pages, err := client.FetchAll(ctx)
package notion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

const (
	// DefaultBaseURL is the public Notion API endpoint.
	DefaultBaseURL = "https://api.notion.com/v1"

	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	// PageSize is the largest page size the query endpoint accepts.
	PageSize = 100

	// DefaultRequestsPerSecond is Notion's average request limit.
	DefaultRequestsPerSecond = 3
)

// Config holds client settings.
type Config struct {
	APIKey     string
	DatabaseID string

	// BaseURL overrides DefaultBaseURL (tests point it at httptest).
	BaseURL string

	// RequestsPerSecond paces requests; zero means the default, negative
	// disables pacing.
	RequestsPerSecond float64

	// HTTPClient is used for requests. Defaults to a client with a 30s
	// timeout.
	HTTPClient *http.Client

	// Logger for request diagnostics. Defaults to stderr with "[notion] ".
	Logger *log.Logger
}

// Client talks to one Notion database. It implements sync.RemoteStore and
// is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// Ensure Client implements sync.RemoteStore.
var _ sync.RemoteStore = (*Client)(nil)

// New creates a client. The API key and database ID are required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("notion: API key is required (set NOTION_API_KEY)")
	}
	if cfg.DatabaseID == "" {
		return nil, errors.New("notion: database ID is required (set NOTION_DATABASE_ID)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}

	c := &Client{cfg: cfg, http: cfg.HTTPClient, logger: cfg.Logger}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[notion] ", log.LstdFlags)
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

// DatabaseID returns the database the client is bound to.
func (c *Client) DatabaseID() string {
	return c.cfg.DatabaseID
}

// FetchAll returns every page of the database, archived ones excluded by
// Notion itself. It implements sync.RemoteStore.
func (c *Client) FetchAll(ctx context.Context) ([]*schema.Page, error) {
	var (
		pages  []*schema.Page
		cursor string
	)
	for {
		body, _ := sjson.SetBytes([]byte(`{}`), "page_size", PageSize)
		if cursor != "" {
			body, _ = sjson.SetBytes(body, "start_cursor", cursor)
		}

		resp, err := c.do(ctx, "query database", http.MethodPost, "/databases/"+c.cfg.DatabaseID+"/query", body)
		if err != nil {
			return nil, err
		}
		results := gjson.GetBytes(resp, "results").Array()
		for _, r := range results {
			page, err := parsePage(r)
			if err != nil {
				return nil, err
			}
			pages = append(pages, page)
		}

		if !gjson.GetBytes(resp, "has_more").Bool() {
			break
		}
		cursor = gjson.GetBytes(resp, "next_cursor").String()
		if cursor == "" {
			return nil, fmt.Errorf("failed to query database: has_more without next_cursor")
		}
	}
	c.logger.Printf("fetched %d pages from database %s", len(pages), c.cfg.DatabaseID)
	return pages, nil
}

// Upsert creates the page when page.ID is empty and updates it otherwise.
// Only writable properties are sent; computed ones are dropped. It
// implements sync.RemoteStore.
func (c *Client) Upsert(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	body := []byte(`{}`)
	var err error
	if page.ID == "" {
		if body, err = sjson.SetBytes(body, "parent.database_id", c.cfg.DatabaseID); err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
	}
	if body, err = sjson.SetRawBytes(body, "properties", []byte(`{}`)); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, prop := range page.Properties {
		if !prop.Writable() {
			continue
		}
		value, err := requestValue(prop)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		if body, err = sjson.SetRawBytes(body, "properties."+escapePath(name), value); err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
	}

	var resp []byte
	if page.ID == "" {
		resp, err = c.do(ctx, "create page", http.MethodPost, "/pages", body)
	} else {
		resp, err = c.do(ctx, "update page "+page.ID, http.MethodPatch, "/pages/"+page.ID, body)
	}
	if err != nil {
		return nil, err
	}
	return parsePage(gjson.ParseBytes(resp))
}

// Delete archives the page. A page that is already gone counts as deleted.
// It implements sync.RemoteStore.
func (c *Client) Delete(ctx context.Context, pageID string) error {
	_, err := c.do(ctx, "archive page "+pageID, http.MethodPatch, "/pages/"+pageID, []byte(`{"archived":true}`))
	if errors.Is(err, ErrNotFound) {
		c.logger.Printf("page %s already gone", pageID)
		return nil
	}
	return err
}

// TestConnection retrieves the database and returns its title.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, "retrieve database", http.MethodGet, "/databases/"+c.cfg.DatabaseID, nil)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, seg := range gjson.GetBytes(resp, "title").Array() {
		b.WriteString(seg.Get("plain_text").String())
	}
	if b.Len() == 0 {
		return "Untitled", nil
	}
	return b.String(), nil
}

// do sends one paced request and returns the response body of a 2xx reply.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Notion-Version", APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &sync.TransientError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Printf("WARNING: %s: HTTP %d", op, resp.StatusCode)
		}
		return nil, classify(op, resp, data)
	}
	return data, nil
}

// transportError marks network failures and client timeouts as transient.
// Cancellation by the caller stays as is.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var (
		netErr net.Error
		opErr  *net.OpError
	)
	timeout := errors.As(err, &netErr) && netErr.Timeout()
	if timeout || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &opErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &sync.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// requestValue strips the response-only members of a property object.
func requestValue(prop schema.Property) ([]byte, error) {
	if len(prop.Raw) == 0 {
		return nil, errors.New("empty property value")
	}
	if !gjson.ValidBytes(prop.Raw) {
		return nil, errors.New("property value is not valid JSON")
	}
	return sjson.DeleteBytes(prop.Raw, "id")
}

// escapePath escapes the characters sjson treats specially in a key.
func escapePath(key string) string {
	r := strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, ":", `\:`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(key)
}

func parsePage(r gjson.Result) (*schema.Page, error) {
	if r.Get("object").String() != "page" && r.Get("object").Exists() {
		return nil, fmt.Errorf("unexpected object %q in results", r.Get("object").String())
	}
	id := r.Get("id").String()
	if id == "" {
		return nil, errors.New("page without id in response")
	}
	page := &schema.Page{
		ID:         id,
		URL:        r.Get("url").String(),
		Archived:   r.Get("archived").Bool() || r.Get("in_trash").Bool(),
		Properties: map[string]schema.Property{},
	}
	var err error
	if page.CreatedTime, err = parseTimestamp(r.Get("created_time").String()); err != nil {
		return nil, fmt.Errorf("page %s: %w", id, err)
	}
	if page.LastEditedTime, err = parseTimestamp(r.Get("last_edited_time").String()); err != nil {
		return nil, fmt.Errorf("page %s: %w", id, err)
	}
	r.Get("properties").ForEach(func(name, value gjson.Result) bool {
		page.Properties[name.String()] = schema.Property{
			Type: value.Get("type").String(),
			Raw:  []byte(value.Raw),
		}
		return true
	})
	return page, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
