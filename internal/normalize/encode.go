package normalize

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// WriteCSV writes rows with the fixed header. A null rate is an empty field.
func WriteCSV(w io.Writer, rows []LongRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	rec := make([]string, len(Header))
	for _, r := range rows {
		rec[0] = r.Date
		rec[1] = r.Currency
		rec[2] = ""
		if r.Rate != nil {
			rec[2] = strconv.FormatFloat(*r.Rate, 'f', -1, 64)
		}
		rec[3] = r.IngestionDate
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func EncodeCSV(rows []LongRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parquetRow matches the normalized table columns.
type parquetRow struct {
	Date          string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	Currency      string   `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Rate          *float64 `parquet:"name=rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	IngestionDate string   `parquet:"name=ingestion_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
}

// EncodeParquet renders rows as an uncompressed parquet file. parquet-go
// needs a seekable file, so the output goes through a temp file.
func EncodeParquet(rows []LongRow) ([]byte, error) {
	localPath := filepath.Join(os.TempDir(), "normalized_"+uuid.NewString()+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED

	for _, r := range rows {
		if err := pw.Write(parquetRow{
			Date:          r.Date,
			Currency:      r.Currency,
			Rate:          r.Rate,
			IngestionDate: r.IngestionDate,
		}); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}
