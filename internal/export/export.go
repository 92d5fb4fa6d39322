// Package export renders a point-in-time snapshot of the health and quality
// stores as a table, CSV or XLSX workbook.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatTable, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", eris.Errorf("export: unknown format %q (want table, csv or xlsx)", s)
}

// Row is the exported state of one provider.
type Row struct {
	Health  model.ProviderHealthMetrics
	Quality model.QualityRecord
}

// Snapshot is the exported state of every provider, ordered by provider id.
type Snapshot struct {
	TakenAt time.Time
	Rows    []Row
}

// Header lists the exported columns.
var Header = []string{
	"provider",
	"health_status",
	"circuit_state",
	"success_count",
	"failure_count",
	"consecutive_failures",
	"avg_response_time_ms",
	"last_success_at",
	"last_failure_at",
	"last_error",
	"total_extractions",
	"validated_count",
	"avg_confidence",
	"confidence_std_dev",
	"field_completeness_pct",
	"validation_success_pct",
	"quality_trend",
	"quality_score",
}

// Collect reads both stores. Every configured provider gets a row; providers
// missing from a store are reported default-initialized, and stored
// providers that are no longer configured are still exported.
func Collect(ctx context.Context, providers model.ProviderSet, health store.Store[model.ProviderHealthMetrics], quality store.Store[model.QualityRecord]) (*Snapshot, error) {
	now := time.Now().UTC()

	hs, err := health.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "export: load health store")
	}
	qs, err := quality.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "export: load quality store")
	}

	ids := providers.IDs()
	for id := range hs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for id := range qs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	snap := &Snapshot{TakenAt: now, Rows: make([]Row, 0, len(ids))}
	for _, id := range ids {
		h, ok := hs[id]
		if !ok {
			h = model.NewProviderHealthMetrics(id, now)
		}
		q, ok := qs[id]
		if !ok {
			q = model.QualityRecord{ProviderName: id, QualityTrend: model.TrendUnknown, LastUpdated: now}
		}
		snap.Rows = append(snap.Rows, Row{Health: h, Quality: q})
	}
	return snap, nil
}

// Values renders the row in Header order.
func (r Row) Values() []string {
	h, q := r.Health, r.Quality
	score := model.ProviderQualitySummary{
		AverageOverallConfidence: q.AverageConfidence,
		FieldCompletenessPct:     q.AverageCompleteness,
		ValidationSuccessRatePct: q.ValidationSuccessRate,
	}.QualityScore()

	return []string{
		string(h.ProviderName),
		string(h.HealthStatus),
		string(h.CircuitState),
		strconv.FormatInt(h.SuccessCount, 10),
		strconv.FormatInt(h.FailureCount, 10),
		strconv.Itoa(h.ConsecutiveFailures),
		strconv.FormatFloat(h.AverageResponseTimeMs, 'f', 1, 64),
		formatTime(h.LastSuccessAt),
		formatTime(h.LastFailureAt),
		h.LastErrorMessage,
		strconv.FormatInt(q.TotalExtractions, 10),
		strconv.FormatInt(q.ValidatedCount, 10),
		strconv.FormatFloat(q.AverageConfidence, 'f', 4, 64),
		strconv.FormatFloat(q.ConfidenceStdDeviation, 'f', 4, 64),
		strconv.FormatFloat(q.AverageCompleteness, 'f', 1, 64),
		strconv.FormatFloat(q.ValidationSuccessRate, 'f', 1, 64),
		string(q.QualityTrend),
		strconv.FormatFloat(score, 'f', 1, 64),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Write renders snap to w in the given format.
func Write(w io.Writer, snap *Snapshot, format Format) error {
	switch format {
	case FormatTable:
		return writeTable(w, snap)
	case FormatCSV:
		return writeCSV(w, snap)
	case FormatXLSX:
		return writeXLSX(w, snap)
	}
	return eris.Errorf("export: unknown format %q", format)
}

func writeTable(w io.Writer, snap *Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATUS\tCIRCUIT\tOK\tFAIL\tCONSEC\tAVG_MS\tEXTRACTIONS\tCONFIDENCE\tCOMPLETE%\tVALID%\tTREND\tSCORE")
	_, _ = fmt.Fprintln(tw, "--------\t------\t-------\t--\t----\t------\t------\t-----------\t----------\t---------\t------\t-----\t-----")
	for _, r := range snap.Rows {
		v := r.Values()
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v[0], v[1], v[2], v[3], v[4], v[5], v[6], v[10], v[12], v[14], v[15], v[16], v[17])
	}
	if err := tw.Flush(); err != nil {
		return eris.Wrap(err, "export: write table")
	}
	return nil
}

func writeCSV(w io.Writer, snap *Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range snap.Rows {
		if err := cw.Write(r.Values()); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Health.ProviderName)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "export: flush csv")
	}
	return nil
}

func writeXLSX(w io.Writer, snap *Snapshot) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("providers")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header {
		header.AddCell().SetString(h)
	}
	for _, r := range snap.Rows {
		row := sheet.AddRow()
		for _, v := range r.Values() {
			row.AddCell().SetString(v)
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}
