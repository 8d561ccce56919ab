package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chat-sync-core/internal/model"
)

// PageRequest mirrors the history endpoint's query contract.
type PageRequest struct {
	ConversationId string
	PageNumber     int
	PageSize       int
	Keyword        string
}

// PageResponse is the endpoint's reply shape.
type PageResponse struct {
	Data         []model.Message `json:"data"`
	PageNumber   int             `json:"pageNumber"`
	TotalRecords int             `json:"totalRecords"`
}

// API is the consumed history REST boundary. The paginator only talks to
// this; tests substitute a scripted implementation.
type API interface {
	FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// Client fetches history pages from the chat backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	params := url.Values{}
	params.Set("conversationId", req.ConversationId)
	params.Set("pageNumber", strconv.Itoa(req.PageNumber))
	params.Set("pageSize", strconv.Itoa(req.PageSize))
	if req.Keyword != "" {
		params.Set("keyword", req.Keyword)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat-user/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("history fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch failed: status %d", resp.StatusCode)
	}

	var page PageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history page: %w", err)
	}
	return &page, nil
}
