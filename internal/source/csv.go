package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// CSVOptions configures a CSV export source.
type CSVOptions struct {
	// Path of the CSV written by the exporter.
	Path string
	// Command, when set, runs before reading to (re)produce Path.
	Command []string
	// Timeout bounds Command. Zero means 5 minutes.
	Timeout time.Duration
	// BodyLimit truncates the Body column to this many runes.
	BodyLimit int
}

// CSVSource reads the exporter's CSV. The header row names the columns;
// Subject, Start and End are required, Location and Body are optional.
type CSVSource struct {
	opts CSVOptions
}

func NewCSV(opts CSVOptions) *CSVSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &CSVSource{opts: opts}
}

func (s *CSVSource) Events(ctx context.Context) ([]model.EventRecord, error) {
	if len(s.opts.Command) > 0 {
		if err := s.runExporter(ctx); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open export %s: %v", ErrUpstream, s.opts.Path, err)
	}
	defer f.Close()

	records, err := ReadCSV(f, s.opts.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	appLog.Info("csv export loaded", "path", s.opts.Path, "events", len(records))
	return records, nil
}

func (s *CSVSource) runExporter(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	appLog.Info("running exporter", "command", strings.Join(s.opts.Command, " "))
	cmd := exec.CommandContext(ctx, s.opts.Command[0], s.opts.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: exporter failed: %v: %s", ErrUpstream, err, strings.TrimSpace(string(out)))
	}
	appLog.Debug("exporter finished", "output", strings.TrimSpace(string(out)))
	return nil
}

// ReadCSV decodes exporter CSV from r. A malformed file fails as a whole;
// a partially read export must never be reconciled.
func ReadCSV(r io.Reader, bodyLimit int) ([]model.EventRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("export is empty: missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		cols[strings.ToLower(name)] = i
	}
	for _, required := range []string{"subject", "start", "end"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("export header missing %q column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	records := make([]model.EventRecord, 0)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		records = append(records, model.EventRecord{
			Subject:  field(row, "subject"),
			Start:    field(row, "start"),
			End:      field(row, "end"),
			Location: field(row, "location"),
			Body:     normalizeBody(field(row, "body"), bodyLimit),
		})
	}
	return records, nil
}
