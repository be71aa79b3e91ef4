// Package strapi reads and writes sales, returns and stock units through a
// Strapi REST API. Both the v4 ({id, attributes}) and the v5 (flat, with
// documentId) response shapes are accepted.
package strapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"posdesk/backend/internal/store"
)

const (
	maxResponseSize = 8 << 20
	maxPages        = 200
)

type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithPageSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, token string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		pageSize:   100,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		Pagination pagination `json:"pagination"`
	} `json:"meta"`
}

type apiError struct {
	Error struct {
		Status  int    `json:"status"`
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one request and decodes the envelope. Transport failures and
// unexpected statuses are reported as store sentinels.
func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any) (envelope, error) {
	var env envelope

	endpoint := c.baseURL + "/api/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return env, fmt.Errorf("strapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return env, fmt.Errorf("strapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return env, ctxErr
		}
		c.logger.Warn("strapi request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return env, fmt.Errorf("%w: %v", store.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return env, fmt.Errorf("%w: read response: %v", store.ErrUpstream, err)
	}
	c.logger.Debug("strapi request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return env, c.statusError(method, path, resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: decode response: %v", store.ErrUpstream, err)
	}
	return env, nil
}

func (c *Client) statusError(method string, path string, status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	message := apiErr.Error.Message
	if message == "" {
		message = http.StatusText(status)
	}

	c.logger.Warn("strapi returned an error",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.String("message", message),
	)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, path)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrInvalidInput, message)
	default:
		return fmt.Errorf("%w: %s %s returned %d: %s", store.ErrUpstream, method, path, status, message)
	}
}

// get fetches a single entry and decodes it into dst.
func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	env, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if isNull(env.Data) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, path)
	}
	return decodeEntry(env.Data, dst)
}

// list walks every page of a collection query.
func (c *Client) list(ctx context.Context, path string, query url.Values, each func(json.RawMessage) error) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("pagination[pageSize]", strconv.Itoa(c.pageSize))

	for page := 1; page <= maxPages; page++ {
		q.Set("pagination[page]", strconv.Itoa(page))
		env, err := c.do(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return err
		}

		var entries []json.RawMessage
		if !isNull(env.Data) {
			if err := json.Unmarshal(env.Data, &entries); err != nil {
				return fmt.Errorf("%w: decode %s page %d: %v", store.ErrUpstream, path, page, err)
			}
		}
		for _, entry := range entries {
			if err := each(entry); err != nil {
				return err
			}
		}
		if len(entries) == 0 || page >= env.Meta.Pagination.PageCount {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has more than %d pages", store.ErrUpstream, path, maxPages)
}

// write posts or puts {"data": data} and decodes the returned entry into dst
// when dst is non-nil.
func (c *Client) write(ctx context.Context, method string, path string, data any, dst any) error {
	env, err := c.do(ctx, method, path, nil, map[string]any{"data": data})
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if isNull(env.Data) {
		return fmt.Errorf("%w: %s %s returned no entry", store.ErrUpstream, method, path)
	}
	return decodeEntry(env.Data, dst)
}

func decodeEntry(raw json.RawMessage, dst any) error {
	flat, err := normalize(raw)
	if err != nil {
		return fmt.Errorf("%w: normalize entry: %v", store.ErrUpstream, err)
	}
	if err := json.Unmarshal(flat, dst); err != nil {
		return fmt.Errorf("%w: decode entry: %v", store.ErrUpstream, err)
	}
	return nil
}

// normalize rewrites a v4 entry and its {data: ...} relation wrappers into the
// flat v5 layout. The id of every entry becomes a string: the documentId when
// there is one, otherwise the numeric id.
func normalize(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return raw, nil
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		for i := range items {
			flat, err := normalize(items[i])
			if err != nil {
				return nil, err
			}
			items[i] = flat
		}
		return json.Marshal(items)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if inner, ok := obj["data"]; ok && isWrapper(obj) {
			return normalize(inner)
		}
		if attrs, ok := obj["attributes"]; ok {
			var fields map[string]json.RawMessage
			if !isNull(attrs) {
				if err := json.Unmarshal(attrs, &fields); err != nil {
					return nil, err
				}
			}
			for k, v := range fields {
				if _, exists := obj[k]; !exists {
					obj[k] = v
				}
			}
			delete(obj, "attributes")
		}
		for k, v := range obj {
			flat, err := normalize(v)
			if err != nil {
				return nil, err
			}
			obj[k] = flat
		}
		if id := entryID(obj); id != "" {
			obj["id"], _ = json.Marshal(id)
		}
		return json.Marshal(obj)
	default:
		return raw, nil
	}
}

func isWrapper(obj map[string]json.RawMessage) bool {
	for k := range obj {
		if k != "data" && k != "meta" {
			return false
		}
	}
	return true
}

func entryID(obj map[string]json.RawMessage) string {
	if doc, ok := obj["documentId"]; ok {
		var documentID string
		if json.Unmarshal(doc, &documentID) == nil && documentID != "" {
			return documentID
		}
	}
	rawID, ok := obj["id"]
	if !ok {
		return ""
	}
	var number json.Number
	if json.Unmarshal(rawID, &number) == nil {
		return number.String()
	}
	var text string
	if json.Unmarshal(rawID, &text) == nil {
		return text
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ref is how an id goes into a relation write: numeric v4 ids as numbers,
// v5 document ids as strings.
func ref(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func connect(id string) map[string]any {
	return map[string]any{"connect": []any{ref(id)}}
}

// idField is the filter key matching the shape of id.
func idField(id string) string {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return "id"
	}
	return "documentId"
}

func entryPath(collection string, id string) string {
	return collection + "/" + url.PathEscape(id)
}

var errEmptyID = errors.New("strapi: empty id")
