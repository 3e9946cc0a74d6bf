package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ParquetJournal exports the applied-fill journal to immutable daily
// Parquet files for long-term history, one file per trading date.
// Layout: <DataDir>/fills/<YYYY-MM-DD>.parquet
type ParquetJournal struct {
	DataDir string
}

// NewParquetJournal creates a ParquetJournal rooted at the given data
// directory.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// FillRecord is the Parquet schema for an exported fill. Price is kept as
// its exact decimal string; Seq preserves application order.
type FillRecord struct {
	FillID    string `parquet:"fill_id"`
	OrderID   string `parquet:"order_id"`
	Symbol    string `parquet:"symbol"`
	Qty       int64  `parquet:"qty"`
	SignedQty int64  `parquet:"signed_qty"`
	Price     string `parquet:"price"`
	Seq       int64  `parquet:"seq"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// Export writes the given applied fills to their per-date Parquet files,
// merging with existing records and deduplicating by fill ID.
func (j *ParquetJournal) Export(fills []AppliedFill) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillRecord)
	for _, af := range fills {
		date := af.Fill.Timestamp.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			FillID:    af.Fill.ID,
			OrderID:   af.Fill.OrderID,
			Symbol:    af.Fill.Symbol,
			Qty:       af.Fill.Qty,
			SignedQty: af.SignedQty,
			Price:     af.Fill.Price.String(),
			Seq:       af.Seq,
			Timestamp: af.Fill.Timestamp.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := j.fillPath(date)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fill journal for %s: %w", date, err)
		}
	}
	return nil
}

// ReadDay returns the exported fills for one date, in application order.
func (j *ParquetJournal) ReadDay(date string) ([]FillRecord, error) {
	records, err := readParquetFile[FillRecord](j.fillPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// Dates lists the dates with exported fill files, sorted chronologically.
func (j *ParquetJournal) Dates() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(j.DataDir, "fills"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		dates = append(dates, name[:len(name)-len(".parquet")])
	}
	sort.Strings(dates)
	return dates, nil
}

// fillPath returns the filesystem path for a date's fill file.
func (j *ParquetJournal) fillPath(date string) string {
	return filepath.Join(j.DataDir, "fills", date+".parquet")
}

// mergeFillRecords deduplicates fill records by fill ID, preferring new
// records over existing ones. Results are sorted by sequence.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.FillID] = r
	}
	for _, r := range incoming {
		seen[r.FillID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// dateOf is a convenience for tests: the journal date of a timestamp.
func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
