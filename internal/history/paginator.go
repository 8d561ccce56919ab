package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"
)

var (
	// ErrNoMorePages means every record the backend reported has been loaded.
	ErrNoMorePages = errors.New("no more history pages")
	// ErrPageStale marks a result whose keyword was superseded mid-flight.
	// The page is discarded, never merged.
	ErrPageStale = errors.New("history page superseded by a newer keyword")
)

// Merger is the aggregator's history entry point.
type Merger interface {
	MergeHistoryPage(msgs []model.Message) int
}

// Paginator fetches windowed history and reconciles it into the transcript.
// Keyword changes are debounced; a result arriving for an old keyword is
// detected by comparing its keyword against the current one at completion
// time, since the transport cannot be assumed to support aborts.
type Paginator struct {
	api      API
	merger   Merger
	logger   logger.ILogger
	pageSize int
	debounce time.Duration

	mu             sync.Mutex
	conversationId string
	keyword        string
	window         *model.PageWindow
	loadedPages    map[int]int // records fetched per page, so re-fetches never double-count
	timer          *time.Timer
}

func NewPaginator(api API, merger Merger, log logger.ILogger, pageSize int, debounce time.Duration) *Paginator {
	if pageSize <= 0 {
		pageSize = 20
	}
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	return &Paginator{
		api:         api,
		merger:      merger,
		logger:      log,
		pageSize:    pageSize,
		debounce:    debounce,
		loadedPages: make(map[int]int),
	}
}

// LoadPage fetches one page for the given query and merges it. An explicit
// call defines the current keyword; only a keyword change racing in while
// the fetch is in flight makes the result stale. The fetch runs without any
// lock held; staleness is checked when the result lands.
func (p *Paginator) LoadPage(ctx context.Context, conversationId string, pageNumber int, keyword string) (*model.PageWindow, error) {
	p.mu.Lock()
	p.conversationId = conversationId
	if keyword != p.keyword {
		p.keyword = keyword
		p.window = nil
		p.loadedPages = make(map[int]int)
	}
	p.mu.Unlock()

	resp, err := p.api.FetchPage(ctx, PageRequest{
		ConversationId: conversationId,
		PageNumber:     pageNumber,
		PageSize:       p.pageSize,
		Keyword:        keyword,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if keyword != p.keyword {
		current := p.keyword
		p.mu.Unlock()
		p.logger.Debug("HistoryPaginator", "Discarding stale page", map[string]interface{}{
			"keyword": keyword,
			"current": current,
		})
		return nil, ErrPageStale
	}
	window := &model.PageWindow{
		PageNumber:   resp.PageNumber,
		PageSize:     p.pageSize,
		TotalRecords: resp.TotalRecords,
		Keyword:      keyword,
	}
	p.window = window
	p.loadedPages[resp.PageNumber] = len(resp.Data)
	p.mu.Unlock()

	p.merger.MergeHistoryPage(resp.Data)
	return window, nil
}

// NextPage loads pageNumber+1 of the last fetched window and reports
// ErrNoMorePages once the running total reaches the backend's totalRecords.
func (p *Paginator) NextPage(ctx context.Context) (*model.PageWindow, error) {
	p.mu.Lock()
	if p.window != nil && p.loadedCount() >= p.window.TotalRecords {
		p.mu.Unlock()
		return nil, ErrNoMorePages
	}
	pageNumber := 0
	if p.window != nil {
		pageNumber = p.window.PageNumber + 1
	}
	conversationId := p.conversationId
	keyword := p.keyword
	p.mu.Unlock()

	return p.LoadPage(ctx, conversationId, pageNumber, keyword)
}

// SetKeyword switches the search query. Page state for the old keyword is
// discarded immediately; the fetch for the new keyword fires only after the
// debounce delay, cancelling any timer still pending from earlier keys.
func (p *Paginator) SetKeyword(keyword string) {
	p.mu.Lock()
	if keyword == p.keyword {
		p.mu.Unlock()
		return
	}
	p.keyword = keyword
	p.window = nil
	p.loadedPages = make(map[int]int)
	conversationId := p.conversationId
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if _, err := p.LoadPage(context.Background(), conversationId, 0, keyword); err != nil && !errors.Is(err, ErrPageStale) {
			p.logger.Warn("HistoryPaginator", "Debounced search fetch failed", map[string]interface{}{
				"keyword": keyword,
				"error":   err.Error(),
			})
		}
	})
	p.mu.Unlock()
}

// loadedCount sums records across fetched pages. Callers hold p.mu.
func (p *Paginator) loadedCount() int {
	total := 0
	for _, n := range p.loadedPages {
		total += n
	}
	return total
}

// Window returns the last fetched page window, nil before the first load.
func (p *Paginator) Window() *model.PageWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.window == nil {
		return nil
	}
	w := *p.window
	return &w
}

// Close cancels any pending debounce timer.
func (p *Paginator) Close() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}
