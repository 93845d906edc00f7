// Package export writes session samples as CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/uartplot/internal/record"
	"github.com/banshee-data/uartplot/internal/series"
)

// ErrNothingToExport is returned when there are no samples to write.
var ErrNothingToExport = errors.New("nothing to export")

// TimestampLayout renders sample times as UTC ISO-8601 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ContentType is the media type of the export.
const ContentType = "text/csv; charset=utf-8"

// Header returns the header row for exports of the given width.
func Header(width int) []string {
	header := make([]string, 0, width+1)
	header = append(header, "Timestamp")
	for i := 0; i < width; i++ {
		header = append(header, series.Label(i))
	}
	return header
}

// Bytes renders samples as CSV: a header sized to the widest sample, then one
// row per sample in order. Cells past the end of a shorter sample are empty.
func Bytes(samples []series.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNothingToExport
	}

	width := series.MaxWidth(samples)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header(width)); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, width+1)
	for _, s := range samples {
		row[0] = s.Time().Format(TimestampLayout)
		for i := 0; i < width; i++ {
			if i < len(s.Values) {
				row[i+1] = record.FormatValue(s.Values[i])
			} else {
				row[i+1] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// CSV writes the export to w. Nothing is written unless the whole export
// rendered successfully.
func CSV(w io.Writer, samples []series.Sample) error {
	data, err := Bytes(samples)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// FileName returns the download name for an export created at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("uartplot_data_%d.csv", t.UnixMilli())
}
