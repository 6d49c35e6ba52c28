package scraper

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Default target pages for each mode.
const (
	DefaultExportURL = "https://tradestat.commerce.gov.in/eidb/commodity_wise_all_countries_export"
	DefaultImportURL = "https://tradestat.commerce.gov.in/eidb/commodity_wise_all_countries_import"
)

// Form locates the query inputs on a mode's page.
type Form struct {
	CodeInput  string
	YearSelect string
}

// Target is the page and form used for one mode.
type Target struct {
	URL  string
	Form Form
}

// Targets maps each mode to its page.
type Targets map[ingest.Mode]Target

// DefaultTargets returns the portal pages, substituting non-empty overrides.
func DefaultTargets(exportURL, importURL string) Targets {
	if exportURL == "" {
		exportURL = DefaultExportURL
	}
	if importURL == "" {
		importURL = DefaultImportURL
	}
	return Targets{
		ingest.ModeExport: {
			URL:  exportURL,
			Form: Form{CodeInput: "#Eidbhscode_cmace", YearSelect: "#EidbYear_cmace"},
		},
		ingest.ModeImport: {
			URL:  importURL,
			Form: Form{CodeInput: "#Eidbhscode_cmaci", YearSelect: "#EidbYear_cmaci"},
		},
	}
}

// Selectors locate the result table and its affordances.
type Selectors struct {
	Submit       string
	Table        string
	Rows         string
	Footer       string
	Next         string
	ProductLabel string
}

// DefaultSelectors matches the portal's DataTables markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Submit:       "button[type=submit]",
		Table:        "#example1",
		Rows:         "#example1 tbody tr",
		Footer:       "#example1 tfoot tr",
		Next:         "li.page-item.next:not(.disabled)",
		ProductLabel: "Commodity:",
	}
}

// summaryLabels names the footer rows in page order.
var summaryLabels = []string{
	ingest.SummaryTotalSelected,
	ingest.SummaryIndiaTotal,
	ingest.SummaryIndiaShare,
}

// ColumnHeaders returns the column names for a year label such as 2024-2025.
func ColumnHeaders(year string) []string {
	prev := previousYear(year)
	return []string{
		"S.No",
		"Country",
		prev,
		year,
		"%Growth",
		"Qty_" + strings.ReplaceAll(prev, "-", "_"),
		"Qty_" + strings.ReplaceAll(year, "-", "_"),
		"Qty_Growth",
	}
}

func previousYear(year string) string {
	first, _, ok := strings.Cut(year, "-")
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if !ok || err != nil {
		return "previous"
	}
	return strconv.Itoa(start-1) + "-" + strconv.Itoa(start)
}
