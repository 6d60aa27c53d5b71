// Package cli provides CLI output helpers for Bunko.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/pkg/utils"
)

// OutputFormat is the format for query result output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact is one result per line, for piping into other tools.
	OutputCompact OutputFormat = "compact"
)

// ParseOutputFormat validates a format name from a flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON, OutputCompact:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

// WriteQueryResults writes query results to w in the given format.
func WriteQueryResults(w io.Writer, response *models.QueryResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	case OutputCompact:
		for i, m := range response.Matches {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%d\t%s\n",
				i+1, m.Score, m.DisplayName, m.ChunkIndex, utils.Truncate(m.Text, 120))
		}
		return nil
	default:
		writeQueryResultsText(w, response)
		return nil
	}
}

func writeQueryResultsText(w io.Writer, response *models.QueryResponse) {
	fmt.Fprintf(w, "\nFound %d matches in %s\n\n", len(response.Matches), response.QueryTime)
	for i, m := range response.Matches {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | Distance: %.4f\n", i+1, m.Score, m.Distance)
		fmt.Fprintf(w, "Document: %s (chunk %d)\n", m.DisplayName, m.ChunkIndex)
		fmt.Fprintf(w, "Path: %s\n", m.DocumentID)
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(m.Text, 200))
	}
}
