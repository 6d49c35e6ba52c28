package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResultStatus tags a ScrapeResult variant.
type ResultStatus string

// Scrape outcomes.
const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailure ResultStatus = "failure"
)

// PartnerRow is one partner line of the result table, kept as page text.
type PartnerRow struct {
	Index          string `json:"s_no"`
	Partner        string `json:"partner"`
	ValueA         string `json:"value_prev"`
	ValueB         string `json:"value_curr"`
	GrowthPercent  string `json:"growth_percent"`
	QuantityPrev   string `json:"quantity_prev,omitempty"`
	Quantity       string `json:"quantity"`
	QuantityGrowth string `json:"quantity_growth,omitempty"`
}

// Complete reports whether the row names a partner.
func (r PartnerRow) Complete() bool {
	return strings.TrimSpace(r.Partner) != ""
}

// Footer summary labels, in page order.
const (
	SummaryTotalSelected = "total_selected_countries"
	SummaryIndiaTotal    = "india_total"
	SummaryIndiaShare    = "share_of_india_percent"
)

// SummaryRow is one footer line (totals and share).
type SummaryRow struct {
	Label         string `json:"label"`
	Previous      string `json:"previous"`
	Current       string `json:"current"`
	GrowthPercent string `json:"growth_percent"`
}

// YearData groups the rows captured for one reporting year.
type YearData struct {
	Year         string       `json:"year"`
	ProductLabel string       `json:"product_label,omitempty"`
	Headers      []string     `json:"headers"`
	Partners     []PartnerRow `json:"partner_rows"`
	Summary      []SummaryRow `json:"summary,omitempty"`
	Pages        int          `json:"pages"`
}

// HSHierarchy splits an 8-digit code into its classification levels.
type HSHierarchy struct {
	Chapter    string `json:"chapter"`
	Heading    string `json:"heading"`
	SubHeading string `json:"sub_heading"`
	HS8        string `json:"hs_8"`
}

// ParseHS derives the hierarchy prefixes of code.
func ParseHS(code string) HSHierarchy {
	prefix := func(n int) string {
		if len(code) < n {
			return code
		}
		return code[:n]
	}
	return HSHierarchy{
		Chapter:    prefix(2),
		Heading:    prefix(4),
		SubHeading: prefix(6),
		HS8:        code,
	}
}

// Metadata describes a scrape attempt. Counts are derived from DataByYear.
type Metadata struct {
	Code                  string      `json:"hs_code"`
	Mode                  Mode        `json:"trade_mode"`
	SourceURL             string      `json:"source_site"`
	ReportType            string      `json:"report_type"`
	DataFrequency         string      `json:"data_frequency"`
	Currency              string      `json:"currency"`
	HS                    HSHierarchy `json:"hs_hierarchy"`
	YearsAvailable        []string    `json:"years_available"`
	CompletenessPercent   float64     `json:"completeness_percent"`
	PartnerCount          int         `json:"partner_count"`
	RecordsCaptured       int         `json:"records_captured"`
	CompleteRecords       int         `json:"complete_records"`
	PagesVisited          int         `json:"pages_visited"`
	ExtractionSuccessRate float64     `json:"extraction_success_rate"`
	ValidationErrorCount  int         `json:"validation_error_count"`
	ValidationErrors      []string    `json:"validation_errors,omitempty"`
	PageLoadMs            int64       `json:"page_load_time_ms"`
	ElapsedMs             int64       `json:"elapsed_ms"`
	CapturedAt            time.Time   `json:"captured_at"`
	ControllerVersion     string      `json:"controller_version"`
}

// ScrapeResult is the outcome of one controller attempt.
type ScrapeResult struct {
	Status     ResultStatus `json:"status"`
	Metadata   Metadata     `json:"metadata"`
	DataByYear []YearData   `json:"data_by_year"`
}

// Derive recomputes every count in Metadata from DataByYear.
func (r *ScrapeResult) Derive() {
	partners := make(map[string]struct{})
	total, complete := 0, 0
	years := make([]string, 0, len(r.DataByYear))
	for _, yd := range r.DataByYear {
		years = append(years, yd.Year)
		for _, row := range yd.Partners {
			total++
			if row.Complete() {
				complete++
				partners[strings.TrimSpace(row.Partner)] = struct{}{}
			}
		}
	}
	r.Metadata.YearsAvailable = years
	r.Metadata.RecordsCaptured = total
	r.Metadata.CompleteRecords = complete
	r.Metadata.PartnerCount = len(partners)
	r.Metadata.CompletenessPercent = percent(complete, total)
	r.Metadata.ValidationErrorCount = len(r.Metadata.ValidationErrors)
	valid := r.Metadata.PagesVisited - r.Metadata.ValidationErrorCount
	if valid < 0 {
		valid = 0
	}
	r.Metadata.ExtractionSuccessRate = percent(valid, r.Metadata.PagesVisited)
}

// Validate checks the fields each variant requires.
func (r ScrapeResult) Validate() error {
	var errs []error
	switch r.Status {
	case ResultSuccess:
		if r.Metadata.ValidationErrorCount != 0 {
			errs = append(errs, errors.New("success result carries validation errors"))
		}
	case ResultPartial:
		if r.Metadata.ValidationErrorCount == 0 {
			errs = append(errs, errors.New("partial result without validation errors"))
		}
		if r.Metadata.RecordsCaptured == 0 {
			errs = append(errs, errors.New("partial result without captured rows"))
		}
	case ResultFailure:
	default:
		errs = append(errs, fmt.Errorf("unknown result status %q", r.Status))
	}
	if r.Metadata.Code == "" {
		errs = append(errs, errors.New("result missing code"))
	}
	if _, err := ParseMode(string(r.Metadata.Mode)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func percent(part, whole int) float64 {
	if whole == 0 {
		if part == 0 {
			return 100
		}
		return 0
	}
	return float64(part) * 100 / float64(whole)
}
