package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// fakePage serves scripted HTML per selected year and page index.
type fakePage struct {
	mu       sync.Mutex
	options  []string
	pages    map[string][]string
	navErr   error
	clickErr error
	selected string
	current  string
	index    int
	filled   []string
	clicks   []string
}

func (p *fakePage) Navigate(context.Context, string, string) error {
	return p.navErr
}

func (p *fakePage) OptionLabels(context.Context, string) ([]string, error) {
	return p.options, nil
}

func (p *fakePage) Fill(_ context.Context, _ string, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = append(p.filled, value)
	return nil
}

func (p *fakePage) SelectByLabel(_ context.Context, selector, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pages[label]; !ok {
		return fmt.Errorf("select %q in %s: option missing: %w", label, selector, ingest.ErrSchema)
	}
	p.selected = label
	return nil
}

func (p *fakePage) Click(_ context.Context, selector, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clickErr != nil {
		return p.clickErr
	}
	p.clicks = append(p.clicks, selector)
	if selector == DefaultSelectors().Next {
		p.index++
		return nil
	}
	p.current = p.selected
	p.index = 0
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := p.pages[p.current]
	if p.index >= len(pages) {
		return "", fmt.Errorf("no page %d for %s", p.index, p.current)
	}
	return pages[p.index], nil
}

func (p *fakePage) Close() error { return nil }

type fakePool struct {
	mu         sync.Mutex
	page       ingest.Page
	acquireErr error
	held       bool
	acquires   int
	releases   int
}

func (f *fakePool) Acquire(context.Context) (ingest.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquires++
	f.held = true
	return f.page, nil
}

func (f *fakePool) Release(ingest.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held {
		return fmt.Errorf("release: %w", ingest.ErrInvariant)
	}
	f.held = false
	f.releases++
	return nil
}

type fakeThrottle struct {
	mu        sync.Mutex
	waits     int
	penalties []time.Duration
}

func (f *fakeThrottle) Wait(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return nil
}

func (f *fakeThrottle) Penalize(_ string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalties = append(f.penalties, d)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// resultPage renders a DataTables-like result page.
func resultPage(rows [][]string, hasNext bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="card"><span>Commodity: 01011010 Pure-bred breeding horses</span></div>`)
	b.WriteString(`<table id="example1"><thead><tr><th>S.No</th></tr><tr><th>2023-2024</th><th>2024-2025</th></tr></thead><tbody>`)
	if len(rows) == 0 {
		b.WriteString(`<tr class="odd"><td valign="top" colspan="8" class="dataTables_empty">No data available in table</td></tr>`)
	}
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td> " + cell + " </td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString(`</tbody><tfoot>`)
	b.WriteString(`<tr><td>Total</td><td>1,234.50</td><td>1,400.00</td><td>13.41</td></tr>`)
	b.WriteString(`<tr><td>India's Total</td><td>437,072.03</td><td>437,419.75</td><td>0.08</td></tr>`)
	b.WriteString(`<tr><td>%Share</td><td>0.28</td><td>0.32</td><td></td></tr>`)
	b.WriteString(`</tfoot></table><ul class="pagination">`)
	if hasNext {
		b.WriteString(`<li class="page-item next"><a href="#">Next</a></li>`)
	} else {
		b.WriteString(`<li class="page-item next disabled"><a href="#">Next</a></li>`)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

func partner(n int, country string) []string {
	return []string{fmt.Sprint(n), country, "1,000.25", "1,100.50", "10.02", "12", "14", "16.67"}
}
