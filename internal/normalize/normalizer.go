package normalize

import (
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Row is one partner in one year with its context denormalized onto it.
type Row struct {
	RecordID        string    `json:"record_id"`
	PipelineVersion string    `json:"pipeline_version"`
	CapturedAt      time.Time `json:"captured_at"`
	ElapsedMs       int64     `json:"scrape_duration_ms"`
	SiteURL         string    `json:"site_url"`
	TradeType       string    `json:"trade_type"`
	DataFrequency   string    `json:"data_frequency"`
	Currency        string    `json:"currency"`

	HSCode     string `json:"hs_code"`
	Chapter    string `json:"chapter"`
	Heading    string `json:"heading"`
	SubHeading string `json:"sub_heading"`

	Year         string `json:"year"`
	ProductLabel string `json:"product_label,omitempty"`

	Index          string   `json:"s_no"`
	Partner        string   `json:"partner"`
	ValuePrev      *float64 `json:"value_prev"`
	ValueCurr      *float64 `json:"value_curr"`
	GrowthPercent  *float64 `json:"growth_percent"`
	QuantityPrev   *float64 `json:"quantity_prev"`
	Quantity       *float64 `json:"quantity"`
	QuantityGrowth *float64 `json:"quantity_growth"`

	SummaryTotalPrev   *float64 `json:"summary_total_selected_prev"`
	SummaryTotalCurr   *float64 `json:"summary_total_selected_curr"`
	SummaryTotalGrowth *float64 `json:"summary_total_selected_growth"`
	SummaryIndiaPrev   *float64 `json:"summary_india_total_prev"`
	SummaryIndiaCurr   *float64 `json:"summary_india_total_curr"`
	SummaryIndiaGrowth *float64 `json:"summary_india_total_growth"`
	SummarySharePrev   *float64 `json:"summary_share_prev"`
	SummaryShareCurr   *float64 `json:"summary_share_curr"`
	SummaryShareGrowth *float64 `json:"summary_share_growth"`
}

// Normalize flattens p into one Row per partner per year, in page order.
func Normalize(p Processed) []Row {
	var rows []Row
	for _, year := range p.Years {
		summary := summaryByLabel(year.Summary)
		for _, partner := range year.Partners {
			row := Row{
				RecordID:        p.RecordID,
				PipelineVersion: p.PipelineVersion,
				CapturedAt:      p.Metadata.CapturedAt,
				ElapsedMs:       p.Metadata.ElapsedMs,
				SiteURL:         p.Metadata.SourceURL,
				TradeType:       p.TradeType,
				DataFrequency:   p.Metadata.DataFrequency,
				Currency:        p.Metadata.Currency,
				HSCode:          p.HS.HS8,
				Chapter:         p.HS.Chapter,
				Heading:         p.HS.Heading,
				SubHeading:      p.HS.SubHeading,
				Year:            year.Year,
				ProductLabel:    year.ProductLabel,
				Index:           partner.Index,
				Partner:         partner.Partner,
				ValuePrev:       partner.ValuePrev,
				ValueCurr:       partner.ValueCurr,
				GrowthPercent:   partner.GrowthPercent,
				QuantityPrev:    partner.QuantityPrev,
				Quantity:        partner.Quantity,
				QuantityGrowth:  partner.QuantityGrowth,
			}
			if s, ok := summary[ingest.SummaryTotalSelected]; ok {
				row.SummaryTotalPrev, row.SummaryTotalCurr, row.SummaryTotalGrowth = s.Previous, s.Current, s.GrowthPercent
			}
			if s, ok := summary[ingest.SummaryIndiaTotal]; ok {
				row.SummaryIndiaPrev, row.SummaryIndiaCurr, row.SummaryIndiaGrowth = s.Previous, s.Current, s.GrowthPercent
			}
			if s, ok := summary[ingest.SummaryIndiaShare]; ok {
				row.SummarySharePrev, row.SummaryShareCurr, row.SummaryShareGrowth = s.Previous, s.Current, s.GrowthPercent
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func summaryByLabel(rows []Summary) map[string]Summary {
	out := make(map[string]Summary, len(rows))
	for _, s := range rows {
		out[s.Label] = s
	}
	return out
}
