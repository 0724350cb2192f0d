package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// DateLayout is the calendar-date form used for every date field.
const DateLayout = "2006-01-02"

// Header is the column order of the normalized CSV.
var Header = []string{"date", "currency", "rate", "ingestion_date"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LongRow is one (date, currency) observation. Rate is nil when the source
// cell was missing or not a number.
type LongRow struct {
	Date          string
	Currency      string
	Rate          *float64
	IngestionDate string
}

// NormalizationError means the payload could not be read as a table at all.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize: %s: %v", e.Reason, e.Err)
	}
	return "normalize: " + e.Reason
}

func (e *NormalizationError) Unwrap() error { return e.Err }

type series struct {
	index    int
	currency string
}

// Normalize unpivots a wide CSV (first column date, one column per currency)
// into long rows stamped with ingestionDate.
//
// Rows come out source-row by source-row, and within a row currency columns
// left to right. Columns with a blank header are skipped.
func Normalize(raw []byte, ingestionDate string) ([]LongRow, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &NormalizationError{Reason: "source has no columns"}
	}
	if err != nil {
		return nil, &NormalizationError{Reason: "read header", Err: err}
	}

	cols := make([]series, 0, len(header))
	for i, h := range header {
		if i == 0 {
			continue
		}
		code := strings.TrimSpace(h)
		if code == "" {
			continue
		}
		cols = append(cols, series{index: i, currency: code})
	}

	var rows []LongRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &NormalizationError{Reason: "read record", Err: err}
		}

		date := strings.TrimSpace(rec[0])
		for _, c := range cols {
			row := LongRow{
				Date:          date,
				Currency:      c.currency,
				IngestionDate: ingestionDate,
			}
			if c.index < len(rec) {
				row.Rate = parseRate(rec[c.index])
			}
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// parseRate is best-effort: anything that is not a finite float is null.
func parseRate(cell string) *float64 {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
