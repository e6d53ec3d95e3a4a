// Package catalog pages through the concrete challenges of one module and
// hands a selected item to a session.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chemcaptcha/internal/captcha"
)

const DefaultLimit = 20

var (
	ErrNotOpen     = errors.New("catalog is not open")
	ErrUnknownItem = errors.New("item is not on the current page")
	ErrStalePage   = errors.New("page superseded by a newer request")
)

// Lister fetches one catalog page from the server.
type Lister interface {
	Catalog(ctx context.Context, slug string, page, limit int) (*captcha.CatalogResponse, error)
}

// Loader loads the challenge for a selected catalog path.
type Loader interface {
	LoadSpecific(ctx context.Context, module, path string) (*captcha.Challenge, error)
}

// Browser is the catalog view state. Pages are never cached: every page
// turn goes back to the server.
type Browser struct {
	lister Lister
	loader Loader

	mu   sync.Mutex
	seq  uint64
	open bool
	page *captcha.CatalogPage
}

func NewBrowser(l Lister, loader Loader) *Browser {
	return &Browser{lister: l, loader: loader}
}

// FetchPage loads page (1-based) of module and opens the view. For the
// random module there is no catalog and the call returns (nil, nil) without
// touching the view.
func (b *Browser) FetchPage(ctx context.Context, module string, page, limit int) (*captcha.CatalogPage, error) {
	if module == "" || module == captcha.RandomModule {
		return nil, nil
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	resp, err := b.lister.Catalog(ctx, module, page, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog %s page %d: %w", module, page, err)
	}
	p := &captcha.CatalogPage{
		Module: module,
		Items:  resp.Items,
		Total:  resp.Total,
		Page:   page,
		Limit:  limit,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if seq != b.seq {
		return nil, ErrStalePage
	}
	b.open = true
	b.page = p
	return p, nil
}

// Next moves one page forward; it does nothing when there is no next page.
func (b *Browser) Next(ctx context.Context) (*captcha.CatalogPage, error) {
	p := b.Page()
	if p == nil || !p.HasNext() {
		return nil, nil
	}
	return b.FetchPage(ctx, p.Module, p.Page+1, p.Limit)
}

// Prev moves one page back; it does nothing on page 1.
func (b *Browser) Prev(ctx context.Context) (*captcha.CatalogPage, error) {
	p := b.Page()
	if p == nil || !p.HasPrev() {
		return nil, nil
	}
	return b.FetchPage(ctx, p.Module, p.Page-1, p.Limit)
}

// Select closes the view and loads the challenge for item id of the current page.
func (b *Browser) Select(ctx context.Context, id int64) (*captcha.Challenge, error) {
	b.mu.Lock()
	if !b.open || b.page == nil {
		b.mu.Unlock()
		return nil, ErrNotOpen
	}
	item, ok := b.page.Item(id)
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownItem, id)
	}
	module := b.page.Module
	b.open = false
	b.mu.Unlock()

	return b.loader.LoadSpecific(ctx, module, item.Path)
}

func (b *Browser) Close() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

func (b *Browser) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Page returns the last fetched page, or nil.
func (b *Browser) Page() *captcha.CatalogPage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

func (b *Browser) CanPrev() bool {
	p := b.Page()
	return p != nil && p.HasPrev()
}

func (b *Browser) CanNext() bool {
	p := b.Page()
	return p != nil && p.HasNext()
}
