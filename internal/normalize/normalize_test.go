package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

type fixedIDs struct {
	id  string
	err error
}

func (f fixedIDs) NewID() (string, error) { return f.id, f.err }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var processedAt = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

func sampleResult() ingest.ScrapeResult {
	res := ingest.ScrapeResult{
		Status: ingest.ResultSuccess,
		Metadata: ingest.Metadata{
			Code:          "84713010",
			Mode:          ingest.ModeImport,
			SourceURL:     "https://tradestat.commerce.gov.in/eidb/commodity_wise_all_countries_import",
			DataFrequency: "Annual",
			Currency:      "USD Million",
			PagesVisited:  2,
			CapturedAt:    processedAt.Add(-time.Minute),
		},
		DataByYear: []ingest.YearData{
			{
				Year:         "2024-2025",
				ProductLabel: " 84713010 Portable computers ",
				Pages:        1,
				Partners: []ingest.PartnerRow{
					{Index: "1", Partner: " CHINA P RP ", ValueA: "1,234.56", ValueB: "2,000", GrowthPercent: "-12.5", Quantity: "NA"},
					{Index: "2", Partner: "U S A", ValueA: "10", ValueB: "", GrowthPercent: "-"},
				},
				Summary: []ingest.SummaryRow{
					{Label: ingest.SummaryTotalSelected, Previous: "1,244.56", Current: "2,000.00", GrowthPercent: "60.70"},
					{Label: ingest.SummaryIndiaShare, Previous: "0.28", Current: "0.32"},
				},
			},
			{
				Year:     "2023-2024",
				Pages:    1,
				Partners: []ingest.PartnerRow{{Index: "1", Partner: "CHINA P RP", ValueA: "5"}},
			},
		},
	}
	res.Derive()
	return res
}

func TestNumber(t *testing.T) {
	t.Parallel()

	tests := map[string]*float64{
		"1,234.50":  ptr(1234.5),
		" -3.2 ":    ptr(-3.2),
		"42":        ptr(42),
		"":          nil,
		"-":         nil,
		"NA":        nil,
		"1.2.3":     nil,
		"12,34,567": ptr(1234567),
	}
	for in, want := range tests {
		got := Number(in)
		if want == nil {
			assert.Nil(t, got, in)
			continue
		}
		require.NotNil(t, got, in)
		assert.InDelta(t, *want, *got, 1e-9, in)
	}
}

func TestProcessCleansRows(t *testing.T) {
	t.Parallel()

	p := NewProcessor(fixedIDs{id: "rec-1"}, fixedClock{now: processedAt})
	out, err := p.Process(sampleResult())
	require.NoError(t, err)

	assert.Equal(t, "rec-1", out.RecordID)
	assert.Equal(t, SchemaVersion, out.SchemaVersion)
	assert.Equal(t, processedAt, out.ProcessedAt)
	assert.Equal(t, "IMPORT", out.TradeType)
	assert.Equal(t, "https://tradestat.commerce.gov.in", out.Source.Site)
	assert.Equal(t, ingest.HSHierarchy{Chapter: "84", Heading: "8471", SubHeading: "847130", HS8: "84713010"}, out.HS)

	require.Len(t, out.Years, 2)
	first := out.Years[0]
	assert.Equal(t, "84713010 Portable computers", first.ProductLabel)
	require.Len(t, first.Partners, 2)
	assert.Equal(t, "CHINA P RP", first.Partners[0].Partner)
	assert.InDelta(t, 1234.56, *first.Partners[0].ValuePrev, 1e-9)
	assert.InDelta(t, -12.5, *first.Partners[0].GrowthPercent, 1e-9)
	assert.Nil(t, first.Partners[0].Quantity)
	assert.Nil(t, first.Partners[1].ValueCurr)
	assert.Nil(t, first.Partners[1].GrowthPercent)
	assert.InDelta(t, 2000.0, *first.Summary[0].Current, 1e-9)
	assert.Nil(t, first.Summary[1].GrowthPercent)
}

func TestProcessRejectsInvalidResults(t *testing.T) {
	t.Parallel()

	p := NewProcessor(fixedIDs{id: "rec-1"}, fixedClock{now: processedAt})

	failed := sampleResult()
	failed.Status = ingest.ResultFailure
	_, err := p.Process(failed)
	assert.ErrorIs(t, err, ingest.ErrSchema)

	missingCode := sampleResult()
	missingCode.Metadata.Code = ""
	_, err = p.Process(missingCode)
	assert.ErrorIs(t, err, ingest.ErrSchema)

	broken := NewProcessor(fixedIDs{err: errors.New("entropy")}, fixedClock{now: processedAt})
	_, err = broken.Process(sampleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate record id")
}

func TestNormalizeFlattensPartnersPerYear(t *testing.T) {
	t.Parallel()

	p := NewProcessor(fixedIDs{id: "rec-1"}, fixedClock{now: processedAt})
	out, err := p.Process(sampleResult())
	require.NoError(t, err)

	rows := Normalize(out)
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, "rec-1", first.RecordID)
	assert.Equal(t, "2024-2025", first.Year)
	assert.Equal(t, "84713010", first.HSCode)
	assert.Equal(t, "8471", first.Heading)
	assert.Equal(t, "IMPORT", first.TradeType)
	assert.Equal(t, "CHINA P RP", first.Partner)
	require.NotNil(t, first.SummaryTotalGrowth)
	assert.InDelta(t, 60.70, *first.SummaryTotalGrowth, 1e-9)
	assert.Nil(t, first.SummaryIndiaPrev)
	require.NotNil(t, first.SummaryShareCurr)
	assert.InDelta(t, 0.32, *first.SummaryShareCurr, 1e-9)

	last := rows[2]
	assert.Equal(t, "2023-2024", last.Year)
	assert.Nil(t, last.SummaryTotalPrev)
}

func TestNormalizeEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Normalize(Processed{}))
}

func ptr(f float64) *float64 { return &f }
