package main

import (
	"fmt"
	"os"

	"github.com/banshee-data/uartplot/internal/db"
	"github.com/banshee-data/uartplot/internal/export"
	"github.com/banshee-data/uartplot/internal/security"
)

// exportArchivedSession writes an archived session as CSV and returns the
// path written. An empty out names the file after the session.
func exportArchivedSession(archive *db.DB, id, out string) (string, error) {
	if out == "" {
		out = fmt.Sprintf("uartplot_session_%s.csv", security.SanitizeFilename(id))
	}
	if err := security.ValidateExportPath(out); err != nil {
		return "", fmt.Errorf("invalid output path: %w", err)
	}

	samples, err := archive.SessionSamples(id)
	if err != nil {
		return "", fmt.Errorf("failed to read session %s: %w", id, err)
	}
	data, err := export.Bytes(samples)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", id, err)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	return out, nil
}
