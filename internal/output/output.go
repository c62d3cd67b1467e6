// Package output provides formatted output for job execution.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/report"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// maxCell caps the width of a table cell.
const maxCell = 60

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// JobStart prints the job banner.
func (o *Output) JobStart(id, pluginName string, targets int) {
	o.printf("\n%s %s %s\n", o.color(colorBold, "JOB"), pluginName,
		o.color(colorGray, fmt.Sprintf("(%s, %d targets)", id, targets)))
}

// TargetResult prints one finished target on a single line.
// Format: [indicator] backend/name status
func (o *Output) TargetResult(out report.Outcome) {
	var indicator, statusColor, statusText string
	switch {
	case out.Failure != nil && out.Failure.Kind == report.KindCancelled:
		indicator, statusColor, statusText = "○", colorCyan, "cancelled"
	case out.Failure != nil:
		indicator, statusColor, statusText = "✗", colorRed, "FAILED"
	case out.SideEffects:
		indicator, statusColor, statusText = "✓", colorYellow, "changed"
	default:
		indicator, statusColor, statusText = "✓", colorGreen, "ok"
	}

	name := out.Machine.Backend() + "/" + out.Machine.Name()
	o.printf("  %s %s %s\n", o.color(statusColor, indicator), name, o.color(statusColor, statusText))

	if out.Failure != nil {
		o.printf("    %s %s\n", o.color(colorGray, "→"), out.Failure.Message)
	}
	if o.debug {
		o.printf("    %s %d rows, %d attempts, %.2fs\n", o.color(colorGray, "→"),
			len(out.Rows), out.Attempts, out.Duration.Seconds())
	}
}

// Table prints all result rows as an aligned table, with the backend and
// machine columns first.
func (o *Output) Table(r *report.JobResult) {
	rows := r.Rows()
	if len(rows) == 0 {
		o.printf("\n%s\n", o.color(colorGray, "no rows"))
		return
	}
	cols := Columns(r)

	o.printf("\n")
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = strings.ToUpper(c)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = truncate(strings.ReplaceAll(Format(row[c]), "\n", `\n`))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

// Machines prints machine descriptors as a table.
func (o *Output) Machines(ms []machine.Descriptor) {
	if len(ms) == 0 {
		o.printf("%s\n", o.color(colorGray, "no machines"))
		return
	}
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tID\tNAME\tMETADATA")
	for _, m := range ms {
		md := m.Metadata()
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + md[k]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Backend(), m.ID(), m.Name(), truncate(strings.Join(pairs, ",")))
	}
	tw.Flush()
}

// Failures prints the failed targets grouped after the table.
func (o *Output) Failures(r *report.JobResult) {
	failed := r.Failures()
	if len(failed) == 0 {
		return
	}
	o.Section("FAILURES")
	for _, f := range failed {
		o.printf("  %s %s/%s %s %s\n",
			o.color(colorRed, "✗"),
			f.Machine.Backend(), f.Machine.Name(),
			o.color(colorGray, "["+string(f.Failure.Kind)+"]"),
			f.Failure.Message)
	}
}

// JobEnd prints the job summary.
func (o *Output) JobEnd(r *report.JobResult) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", r.Succeeded))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", r.Failed))
	total := o.color(colorCyan, fmt.Sprintf("total=%d", r.Total))

	o.printf("%s %s %s", ok, failed, total)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", r.Elapsed().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

// Columns returns the export column order: backend, machine, then the
// plugin's columns sorted by name.
func Columns(r *report.JobResult) []string {
	cols := []string{report.ColumnBackend, report.ColumnMachine}
	for _, c := range r.Columns() {
		if c != report.ColumnBackend && c != report.ColumnMachine {
			cols = append(cols, c)
		}
	}
	return cols
}

// WriteCSV writes all result rows as CSV with a header line.
func WriteCSV(w io.Writer, r *report.JobResult) error {
	cols := Columns(r)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	for _, row := range r.Rows() {
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = Format(row[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the result rows to a CSV file at path.
func SaveCSV(path string, r *report.JobResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Format renders a scalar row value.
func Format(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxCell {
		return s
	}
	return string(r[:maxCell-1]) + "…"
}
