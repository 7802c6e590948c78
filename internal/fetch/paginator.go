package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatvault/internal/remote"
)

// ErrNoProgress is returned when a page holds no message older than the
// offset it was requested with.
var ErrNoProgress = errors.New("fetch: page made no forward progress")

// PageSource returns one page of history, newest first.
type PageSource func(ctx context.Context, req remote.PageRequest) ([]remote.Message, error)

// Paginator walks a chat's history backward one page at a time. The caller
// consumes each page and then calls Advance with the last id it handled.
type Paginator struct {
	source   PageSource
	chatID   int64
	pageSize int
	minID    int64
	maxID    int64

	offset int64
	pages  int
	done   bool
}

// NewPaginator starts a walk at offset (0 = newest). minID and maxID are
// exclusive remote bounds, zero for none.
func NewPaginator(source PageSource, chatID int64, pageSize int, offset, minID, maxID int64) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator{
		source:   source,
		chatID:   chatID,
		pageSize: pageSize,
		minID:    minID,
		maxID:    maxID,
		offset:   offset,
	}
}

// Next fetches the page after the current offset. want caps the request
// below the page size; a page shorter than what was requested marks the
// history exhausted. A full page that does not reach below the offset fails
// with ErrNoProgress.
func (p *Paginator) Next(ctx context.Context, want int) ([]remote.Message, error) {
	if p.done {
		return nil, nil
	}
	limit := p.pageSize
	if want > 0 && want < limit {
		limit = want
	}
	page, err := p.source(ctx, remote.PageRequest{
		ChatID:   p.chatID,
		OffsetID: p.offset,
		Limit:    limit,
		MinID:    p.minID,
		MaxID:    p.maxID,
	})
	if err != nil {
		return nil, err
	}
	p.pages++
	if len(page) < limit {
		p.done = true
	}
	if !p.done && p.offset > 0 && page[len(page)-1].ID >= p.offset {
		return nil, fmt.Errorf("%w: offset %d, page ends at %d", ErrNoProgress, p.offset, page[len(page)-1].ID)
	}
	return page, nil
}

// Advance moves the offset to lastID, the id of the last message consumed.
func (p *Paginator) Advance(lastID int64) {
	if lastID > 0 {
		p.offset = lastID
	}
}

// Stop ends the walk.
func (p *Paginator) Stop() { p.done = true }

// Done reports whether the history is exhausted or the walk was stopped.
func (p *Paginator) Done() bool { return p.done }

// Offset returns the current offset id.
func (p *Paginator) Offset() int64 { return p.offset }

// Pages returns the number of pages fetched.
func (p *Paginator) Pages() int { return p.pages }
