// Package supabase is a storage backend speaking the PostgREST dialect of a
// hosted Supabase project over HTTPS with the service-role key.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scada-gateway/internal/model"
	"scada-gateway/internal/sink"
)

const (
	restPath        = "/rest/v1/"
	defaultPageSize = 1000
	defaultTimeout  = 10 * time.Second

	preferUpsert = "resolution=merge-duplicates,return=minimal"
	preferInsert = "return=minimal"
)

// APIError is a non-2xx PostgREST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postgrest: http %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("postgrest: http %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("postgrest: http %d: %s", e.Status, e.Message)
}

// Client talks to one project. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	key      string
	http     *http.Client
	pageSize int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithPageSize bounds rows fetched per history request.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New validates the project URL. key is the service-role key.
func New(projectURL, key string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(projectURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("supabase url %q must be absolute", projectURL)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("supabase service role key is required")
	}
	c := &Client{
		base:     u,
		key:      key,
		http:     &http.Client{Timeout: defaultTimeout},
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) endpoint(table string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + restPath + table
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, table string, q url.Values, prefer string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", table, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(table, q), rd)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if len(b) > 0 && json.Unmarshal(b, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", table, err)
	}
	return nil
}

func upsertQuery(conflict ...string) url.Values {
	return url.Values{"on_conflict": {strings.Join(conflict, ",")}}
}

// ActiveTagMappings returns active mappings ordered by polling priority.
func (c *Client) ActiveTagMappings(ctx context.Context) ([]model.TagMapping, error) {
	q := url.Values{
		"select":    {"*"},
		"is_active": {"eq.true"},
		"order":     {"polling_priority.asc,id.asc"},
	}
	var rows []model.TagMapping
	if err := c.do(ctx, http.MethodGet, model.TagMapping{}.TableName(), q, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) UpsertReading(ctx context.Context, r model.Reading) error {
	return c.do(ctx, http.MethodPost, r.TableName(), upsertQuery("tag_mapping_id"), preferUpsert, r, nil)
}

func (c *Client) AppendHistory(ctx context.Context, h model.ReadingHistory) error {
	return c.do(ctx, http.MethodPost, h.TableName(), nil, preferInsert, h, nil)
}

func operationalBody(e sink.OperationalLogEntry) map[string]any {
	return map[string]any{
		"date":        e.Date,
		"hour":        e.Hour,
		e.Field:       e.Value,
		"data_source": model.DataSourceSCADA,
		"logged_at":   e.LoggedAt.UTC(),
	}
}

func (c *Client) UpsertTransformerLog(ctx context.Context, e sink.OperationalLogEntry) error {
	body := operationalBody(e)
	body["transformer_number"] = e.TransformerNumber
	return c.do(ctx, http.MethodPost, model.TransformerLog{}.TableName(), upsertQuery("date", "hour", "transformer_number"), preferUpsert, body, nil)
}

func (c *Client) UpsertGeneratorLog(ctx context.Context, e sink.OperationalLogEntry) error {
	return c.do(ctx, http.MethodPost, model.GeneratorLog{}.TableName(), upsertQuery("date", "hour"), preferUpsert, operationalBody(e), nil)
}

// UpsertConnectionHealth relies on merge-duplicates updating only the columns
// present in the payload.
func (c *Client) UpsertConnectionHealth(ctx context.Context, name string, fields map[string]any) error {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["connection_name"] = name
	return c.do(ctx, http.MethodPost, model.ConnectionHealth{}.TableName(), upsertQuery("connection_name"), preferUpsert, body, nil)
}

// ConnectionHealth returns the named record, nil if none exists.
func (c *Client) ConnectionHealth(ctx context.Context, name string) (*model.ConnectionHealth, error) {
	q := url.Values{
		"select":          {"*"},
		"connection_name": {"eq." + name},
		"limit":           {"1"},
	}
	var rows []model.ConnectionHealth
	if err := c.do(ctx, http.MethodGet, model.ConnectionHealth{}.TableName(), q, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// HistoryBetween pages through archived readings with from <= timestamp < to.
func (c *Client) HistoryBetween(ctx context.Context, from, to time.Time) ([]model.ReadingHistory, error) {
	var out []model.ReadingHistory
	for offset := 0; ; offset += c.pageSize {
		q := url.Values{
			"select": {"*"},
			"order":  {"tag_mapping_id.asc,timestamp.asc,id.asc"},
			"limit":  {strconv.Itoa(c.pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		q.Add("timestamp", "gte."+from.UTC().Format(time.RFC3339Nano))
		q.Add("timestamp", "lt."+to.UTC().Format(time.RFC3339Nano))

		var page []model.ReadingHistory
		if err := c.do(ctx, http.MethodGet, model.ReadingHistory{}.TableName(), q, "", nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < c.pageSize {
			return out, nil
		}
	}
}

func (c *Client) UpsertHourlyRollups(ctx context.Context, rows []model.HourlyRollup) error {
	if len(rows) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, model.HourlyRollup{}.TableName(), upsertQuery("tag_mapping_id", "date", "hour"), preferUpsert, rows, nil)
}
