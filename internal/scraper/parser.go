package scraper

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// minPartnerCells is S.No, Country, previous value, current value, growth.
const minPartnerCells = 5

// PageData is what one rendered result page yields.
type PageData struct {
	ProductLabel string
	Rows         []ingest.PartnerRow
	Summary      []ingest.SummaryRow
	HasNext      bool
}

// ParsePage extracts partner rows, the footer summary, the product label and
// the pagination affordance from markup. Shape problems wrap ingest.ErrSchema.
func ParsePage(markup string, sel Selectors) (PageData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return PageData{}, fmt.Errorf("parse html: %w", err)
	}
	if doc.Find(sel.Table).Length() == 0 {
		return PageData{}, fmt.Errorf("result table %s missing: %w", sel.Table, ingest.ErrSchema)
	}

	var data PageData
	var rowErr error
	doc.Find(sel.Rows).EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := cellTexts(tr)
		if isEmptyMarker(tr, cells) {
			return true
		}
		if len(cells) < minPartnerCells {
			rowErr = fmt.Errorf("row %d has %d cells, want at least %d: %w", i+1, len(cells), minPartnerCells, ingest.ErrSchema)
			return false
		}
		data.Rows = append(data.Rows, partnerRow(cells))
		return true
	})
	if rowErr != nil {
		return PageData{}, rowErr
	}

	doc.Find(sel.Footer).Each(func(i int, tr *goquery.Selection) {
		if i >= len(summaryLabels) {
			return
		}
		cells := cellTexts(tr)
		data.Summary = append(data.Summary, ingest.SummaryRow{
			Label:         summaryLabels[i],
			Previous:      cellAt(cells, 1),
			Current:       cellAt(cells, 2),
			GrowthPercent: cellAt(cells, 3),
		})
	})

	data.ProductLabel = productLabel(doc, sel.ProductLabel)
	data.HasNext = doc.Find(sel.Next).Length() > 0
	return data, nil
}

// FilterYears keeps option labels that look like fiscal years, such as 2024-2025.
func FilterYears(labels []string) []string {
	years := make([]string, 0, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if strings.Contains(label, "-") && strings.ContainsAny(label, "0123456789") {
			years = append(years, label)
		}
	}
	return years
}

func cellTexts(tr *goquery.Selection) []string {
	cells := tr.Find("td")
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, td *goquery.Selection) {
		out = append(out, strings.TrimSpace(td.Text()))
	})
	return out
}

// isEmptyMarker detects the single spanning "no data" row DataTables renders
// for an empty result.
func isEmptyMarker(tr *goquery.Selection, cells []string) bool {
	if len(cells) != 1 {
		return len(cells) == 0
	}
	td := tr.Find("td").First()
	_, spans := td.Attr("colspan")
	return spans || td.HasClass("dataTables_empty")
}

func partnerRow(cells []string) ingest.PartnerRow {
	return ingest.PartnerRow{
		Index:          cellAt(cells, 0),
		Partner:        cellAt(cells, 1),
		ValueA:         cellAt(cells, 2),
		ValueB:         cellAt(cells, 3),
		GrowthPercent:  cellAt(cells, 4),
		QuantityPrev:   cellAt(cells, 5),
		Quantity:       cellAt(cells, 6),
		QuantityGrowth: cellAt(cells, 7),
	}
}

func cellAt(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}

func productLabel(doc *goquery.Document, marker string) string {
	if marker == "" {
		return ""
	}
	var label string
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		own := ownText(s)
		idx := strings.Index(own, marker)
		if idx < 0 {
			return true
		}
		label = strings.TrimSpace(own[idx+len(marker):])
		if label == "" {
			label = strings.TrimSpace(s.Next().Text())
		}
		return false
	})
	return label
}

// ownText is the element's text excluding its child elements.
func ownText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return b.String()
}
