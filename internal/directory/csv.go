package directory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Phonebook CSV column layout.
const (
	colFirstName = 0
	colLastName  = 1
	colCallsign  = 2
	colIPAddress = 3
	colTelephone = 4

	minColumns = colTelephone + 1
)

// CSVSource reads phonebook entries from a CSV file on disk.
type CSVSource struct {
	path   string
	logger *zap.Logger
}

// NewCSVSource creates a source for the CSV file at path.
func NewCSVSource(path string, logger *zap.Logger) *CSVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVSource{path: path, logger: logger}
}

// Path returns the file the source reads.
func (c *CSVSource) Path() string {
	return c.path
}

// Load reads and parses the phonebook file.
func (c *CSVSource) Load() ([]Entry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open phonebook %q: %w", c.path, err)
	}
	defer f.Close()

	return ParseCSV(f, c.logger)
}

// ParseCSV parses phonebook rows. Rows short on columns or without a numeric
// telephone (including a header row) are skipped and logged.
func ParseCSV(r io.Reader, logger *zap.Logger) ([]Entry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var entries []Entry
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				logger.Debug("skipping malformed phonebook row", zap.Int("line", line), zap.Error(err))
				continue
			}
			return entries, fmt.Errorf("read phonebook: %w", err)
		}
		if len(rec) < minColumns {
			logger.Debug("skipping short phonebook row",
				zap.Int("line", line),
				zap.Int("columns", len(rec)),
			)
			continue
		}

		phone := Sanitize(rec[colTelephone])
		if !IsPhoneNumber(phone) {
			continue
		}

		entries = append(entries, Entry{
			UserID:      phone,
			DisplayName: displayName(rec[colFirstName], rec[colLastName], rec[colCallsign]),
		})
	}

	return entries, nil
}

func displayName(first, last, callsign string) string {
	name := strings.TrimSpace(Sanitize(last) + " " + Sanitize(first))
	cs := strings.ToUpper(Sanitize(callsign))
	switch {
	case name == "" && cs == "":
		return ""
	case cs == "":
		return name
	case name == "":
		return cs
	default:
		return name + " (" + cs + ")"
	}
}
