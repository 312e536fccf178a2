package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stagelink/stagesync/internal/api"
)

// Page is a flattened view of everything fetched so far for one query.
type Page struct {
	QueryID string
	Items   []Item
	HasMore bool
}

type Options struct {
	API       *api.Client
	Resolver  *Resolver
	Logger    *slog.Logger
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Client runs list queries, concatenating server-cursor pages and slicing
// client-window results, with retry ceilings classified from the error.
type Client struct {
	api       *api.Client
	resolver  *Resolver
	logger    *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	results map[string]*queryResult
}

type queryResult struct {
	query Query
	items []Item
	last  PageResponse
}

func NewClient(opts Options) (*Client, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		api:       opts.API,
		resolver:  resolver,
		logger:    logger,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		results:   map[string]*queryResult{},
	}, nil
}

// Fetch runs the first page of a query. The response decides the pagination
// mode for the query's lifetime.
func (c *Client) Fetch(ctx context.Context, query Query) (Page, error) {
	queryID := query.ID()
	c.resolver.Reset(queryID)

	response, err := c.fetchPage(ctx, query, "")
	if err != nil {
		return Page{}, err
	}
	mode := c.resolver.Observe(queryID, response)

	result := &queryResult{query: query, last: response, items: response.Content}
	var items []Item
	var hasMore bool
	if mode == ModeClientWindow {
		items = c.resolver.Window(queryID)
		hasMore = len(response.Content) > len(items)
	} else {
		items = make([]Item, len(response.Content))
		copy(items, response.Content)
		hasMore = response.HasNextPage && strings.TrimSpace(response.NextCursor) != ""
	}

	c.mu.Lock()
	c.results[queryID] = result
	c.mu.Unlock()

	return Page{QueryID: queryID, Items: items, HasMore: hasMore}, nil
}

// More delivers the next page for a previously fetched query: a network
// fetch carrying the cursor token in server-cursor mode, a pure slice
// advance in client-window mode.
func (c *Client) More(ctx context.Context, queryID string) (Page, error) {
	c.mu.Lock()
	result, ok := c.results[queryID]
	c.mu.Unlock()
	if !ok {
		return Page{}, fmt.Errorf("unknown query %s", queryID)
	}

	next := c.resolver.NextRequestParams(queryID, result.last)
	if next == nil {
		return Page{QueryID: queryID, Items: c.flattened(queryID), HasMore: false}, nil
	}

	switch c.resolver.Mode(queryID) {
	case ModeServerCursor:
		response, err := c.fetchPage(ctx, result.query, next.CursorToken)
		if err != nil {
			return Page{}, err
		}
		c.mu.Lock()
		result.items = append(result.items, response.Content...)
		result.last = response
		items := make([]Item, len(result.items))
		copy(items, result.items)
		c.mu.Unlock()
		hasMore := response.HasNextPage && strings.TrimSpace(response.NextCursor) != ""
		return Page{QueryID: queryID, Items: items, HasMore: hasMore}, nil
	case ModeClientWindow:
		window := c.resolver.Window(queryID)
		hasMore := len(window) < len(result.last.Content)
		return Page{QueryID: queryID, Items: window, HasMore: hasMore}, nil
	default:
		return Page{QueryID: queryID, Items: nil, HasMore: false}, nil
	}
}

func (c *Client) flattened(queryID string) []Item {
	if c.resolver.Mode(queryID) == ModeClientWindow {
		return c.resolver.Window(queryID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[queryID]
	if !ok {
		return nil
	}
	items := make([]Item, len(result.items))
	copy(items, result.items)
	return items
}

// fetchPage performs one list request with classified retries: server
// faults get up to 3, network faults 2, anything else 1.
func (c *Client) fetchPage(ctx context.Context, query Query, cursor string) (PageResponse, error) {
	params := url.Values{}
	if query.Category != "" {
		params.Set("category", query.Category)
	}
	if query.Region != "" {
		params.Set("region", query.Region)
	}
	if len(query.TheaterTypes) > 0 {
		params.Set("theaterTypes", strings.Join(query.TheaterTypes, ","))
	}
	if query.Sort != "" {
		params.Set("sort", query.Sort)
	}
	params.Set("includeClosed", strconv.FormatBool(query.IncludeClosed))
	if query.Text != "" {
		params.Set("query", query.Text)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("size", strconv.Itoa(PageSize))

	retriesUsed := 0
	for {
		envelope, err := c.api.DoEnvelope(ctx, http.MethodGet, "/v1/shows", params, nil)
		if err == nil {
			var response PageResponse
			if len(envelope.Data) > 0 {
				if decodeErr := json.Unmarshal(envelope.Data, &response); decodeErr != nil {
					return PageResponse{}, fmt.Errorf("decoding list response: %w", decodeErr)
				}
			}
			return response, nil
		}
		if retriesUsed >= api.RetryLimit(err) {
			return PageResponse{}, err
		}
		retriesUsed++
		c.logger.Debug("list fetch retrying",
			"fault", api.ClassifyFault(err).String(),
			"attempt", retriesUsed,
			"error", err,
		)
		if waitErr := api.SleepContext(ctx, api.RetryDelay(retriesUsed, c.baseDelay, c.maxDelay)); waitErr != nil {
			return PageResponse{}, waitErr
		}
	}
}
