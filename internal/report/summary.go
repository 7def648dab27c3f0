package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ipsix/avsweep/internal/scan"
)

type Format string

const (
	FormatText  Format = "text"
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatTable, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, table or json)", value)
	}
}

// Summary writes the end-of-run report in the requested format.
func Summary(w io.Writer, rep scan.Report, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, rep)
	case FormatTable:
		return writeTable(w, rep)
	default:
		return writeText(w, rep)
	}
}

func writeText(w io.Writer, rep scan.Report) error {
	s := rep.Summary
	_, err := fmt.Fprintf(w, "\n----------- SCAN SUMMARY -----------\n"+
		"Known signatures: %d\n"+
		"Scanned files: %d\n"+
		"Unreadable files: %d\n"+
		"Infected files: %d\n"+
		"Data scanned: %.2f MB\n",
		s.SignaturesLoaded, s.FilesScanned, s.FilesUnreadable, s.FilesInfected, s.ScannedMB)
	return err
}

func writeTable(w io.Writer, rep scan.Report) error {
	s := rep.Summary
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	rows := [][]string{
		{"Known signatures", strconv.FormatUint(uint64(s.SignaturesLoaded), 10)},
		{"Scanned files", strconv.FormatUint(s.FilesScanned, 10)},
		{"Unreadable files", strconv.FormatUint(s.FilesUnreadable, 10)},
		{"Infected files", strconv.FormatUint(s.FilesInfected, 10)},
		{"Data scanned (MB)", strconv.FormatFloat(s.ScannedMB, 'f', 2, 64)},
		{"Outcome", rep.Outcome.String()},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append summary row: %w", err)
		}
	}
	return table.Render()
}

type jsonReport struct {
	RunID    string       `json:"run_id"`
	Backend  string       `json:"backend,omitempty"`
	Root     string       `json:"root"`
	Started  time.Time    `json:"started"`
	Duration string       `json:"duration"`
	Summary  scan.Summary `json:"summary"`
	Outcome  string       `json:"outcome"`
	ExitCode int          `json:"exit_code"`
	Warnings int          `json:"warnings"`
	Aborted  bool         `json:"aborted,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func writeJSON(w io.Writer, rep scan.Report) error {
	out := jsonReport{
		RunID:    rep.RunID,
		Backend:  rep.Backend,
		Root:     rep.Root,
		Started:  rep.Started,
		Duration: rep.Finished.Sub(rep.Started).String(),
		Summary:  rep.Summary,
		Outcome:  rep.Outcome.String(),
		ExitCode: rep.ExitCode(),
		Warnings: rep.Warnings,
		Aborted:  rep.Aborted,
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
