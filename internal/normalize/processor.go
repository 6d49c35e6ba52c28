// Package normalize turns raw scrape results into cleaned, typed records and
// flattens them into one row per partner per year for downstream loading.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Versions stamped into derived payloads.
const (
	SchemaVersion   = "v1"
	PipelineVersion = "1.0.0"
)

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Source describes where the data came from.
type Source struct {
	Site    string `json:"site"`
	Dataset string `json:"dataset"`
	Country string `json:"country"`
}

// Partner is a cleaned partner row. Values that are not numeric stay nil.
type Partner struct {
	Index          string   `json:"s_no"`
	Partner        string   `json:"partner"`
	ValuePrev      *float64 `json:"value_prev"`
	ValueCurr      *float64 `json:"value_curr"`
	GrowthPercent  *float64 `json:"growth_percent"`
	QuantityPrev   *float64 `json:"quantity_prev"`
	Quantity       *float64 `json:"quantity"`
	QuantityGrowth *float64 `json:"quantity_growth"`
}

// Summary is a cleaned footer row.
type Summary struct {
	Label         string   `json:"label"`
	Previous      *float64 `json:"prev"`
	Current       *float64 `json:"curr"`
	GrowthPercent *float64 `json:"growth"`
}

// Year holds the cleaned data for one reporting year.
type Year struct {
	Year         string    `json:"year"`
	ProductLabel string    `json:"product_label,omitempty"`
	Summary      []Summary `json:"summary"`
	Partners     []Partner `json:"partner_countries"`
	Pages        int       `json:"total_pages"`
}

// Processed is the cleaned form of one scrape result.
type Processed struct {
	RecordID        string              `json:"record_id"`
	SchemaVersion   string              `json:"schema_version"`
	PipelineVersion string              `json:"pipeline_version"`
	ProcessedAt     time.Time           `json:"processed_at"`
	Status          ingest.ResultStatus `json:"status"`
	Metadata        ingest.Metadata     `json:"metadata"`
	HS              ingest.HSHierarchy  `json:"hs"`
	TradeType       string              `json:"trade_type"`
	Frequency       string              `json:"frequency"`
	Source          Source              `json:"source"`
	Years           []Year              `json:"years"`
}

// Processor cleans scrape results.
type Processor struct {
	ids   ingest.IDGenerator
	clock ingest.Clock
}

// NewProcessor builds a Processor.
func NewProcessor(ids ingest.IDGenerator, clock ingest.Clock) *Processor {
	return &Processor{ids: ids, clock: clock}
}

// Process validates res and returns its cleaned form. Failure results are
// rejected; there is nothing to clean.
func (p *Processor) Process(res ingest.ScrapeResult) (Processed, error) {
	if err := res.Validate(); err != nil {
		return Processed{}, fmt.Errorf("validate result: %w: %w", ingest.ErrSchema, err)
	}
	if res.Status == ingest.ResultFailure {
		return Processed{}, fmt.Errorf("process %s result: %w", res.Status, ingest.ErrSchema)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return Processed{}, fmt.Errorf("generate record id: %w", err)
	}
	out := Processed{
		RecordID:        id,
		SchemaVersion:   SchemaVersion,
		PipelineVersion: PipelineVersion,
		ProcessedAt:     p.clock.Now(),
		Status:          res.Status,
		Metadata:        res.Metadata,
		HS:              ingest.ParseHS(res.Metadata.Code),
		TradeType:       strings.ToUpper(string(res.Metadata.Mode)),
		Frequency:       "ANNUAL",
		Source: Source{
			Site:    siteRoot(res.Metadata.SourceURL),
			Dataset: "Commodity-wise all Countries",
			Country: "India",
		},
		Years: make([]Year, 0, len(res.DataByYear)),
	}
	for _, yd := range res.DataByYear {
		year := Year{
			Year:         yd.Year,
			ProductLabel: strings.TrimSpace(yd.ProductLabel),
			Pages:        yd.Pages,
			Partners:     make([]Partner, 0, len(yd.Partners)),
			Summary:      make([]Summary, 0, len(yd.Summary)),
		}
		for _, row := range yd.Partners {
			year.Partners = append(year.Partners, cleanPartner(row))
		}
		for _, row := range yd.Summary {
			year.Summary = append(year.Summary, Summary{
				Label:         row.Label,
				Previous:      Number(row.Previous),
				Current:       Number(row.Current),
				GrowthPercent: Number(row.GrowthPercent),
			})
		}
		out.Years = append(out.Years, year)
	}
	return out, nil
}

func cleanPartner(row ingest.PartnerRow) Partner {
	return Partner{
		Index:          strings.TrimSpace(row.Index),
		Partner:        strings.TrimSpace(row.Partner),
		ValuePrev:      Number(row.ValueA),
		ValueCurr:      Number(row.ValueB),
		GrowthPercent:  Number(row.GrowthPercent),
		QuantityPrev:   Number(row.QuantityPrev),
		Quantity:       Number(row.Quantity),
		QuantityGrowth: Number(row.QuantityGrowth),
	}
}

// Number parses page text such as "1,234.50" or "-3.2". Anything else is nil.
func Number(raw string) *float64 {
	v := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if !numericPattern.MatchString(v) {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func siteRoot(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
