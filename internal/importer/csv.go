package importer

// csv.go turns an uploaded spreadsheet export into RawRows.
//
// Exports arrive with a byte order mark, stray non-UTF-8 bytes, title rows
// above the header and blank separator rows. The header is the first row
// within the search window that maps some column to the full name field.
// Line numbers are kept so row errors point at the right line of the file.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// DefaultMaxHeaderSearchRows is how many leading rows are scanned for the header.
const DefaultMaxHeaderSearchRows = 20

var (
	ErrEmptyFile      = errors.New("empty file")
	ErrHeaderNotFound = errors.New("header not found")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadCSV parses r into rows keyed by header text. maxHeaderSearchRows <= 0
// selects the default.
func ReadCSV(r io.Reader, maxHeaderSearchRows int) ([]RawRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return ParseCSV(data, maxHeaderSearchRows)
}

// ParseCSV is ReadCSV over a byte slice.
func ParseCSV(data []byte, maxHeaderSearchRows int) ([]RawRow, error) {
	if maxHeaderSearchRows <= 0 {
		maxHeaderSearchRows = DefaultMaxHeaderSearchRows
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	data = sanitizeUTF8(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	records, lines, err := parseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}

	headerIdx := findHeader(records, maxHeaderSearchRows)
	if headerIdx < 0 {
		return nil, fmt.Errorf("%w in the first %d rows (expected a %q column)", ErrHeaderNotFound, maxHeaderSearchRows, FieldFullName.Label())
	}

	header := records[headerIdx]
	rows := []RawRow{}
	for i, rec := range records[headerIdx+1:] {
		if isEmptyRow(rec) {
			continue
		}
		cells := make(map[string]string, len(header))
		for col, h := range header {
			h = CleanCell(h)
			if h == "" || col >= len(rec) {
				continue
			}
			if _, dup := cells[h]; dup {
				continue
			}
			cells[h] = rec[col]
		}
		rows = append(rows, RawRow{
			Line:  lines[headerIdx+1+i],
			Cells: cells,
		})
	}
	return rows, nil
}

// CleanCell removes common export artifacts from a cell: surrounding
// whitespace, an Excel formula wrapper (="...") and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('\uFFFD')
		} else {
			buf.WriteRune(r)
		}
		data = data[size:]
	}
	return buf.Bytes()
}

// parseCSV returns every record with the 1-indexed file line it starts on.
// encoding/csv skips blank lines, so record index and line differ.
func parseCSV(data []byte) ([][]string, []int, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.Comma = sniffDelimiter(data)

	var records [][]string
	var lines []int
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return records, lines, nil
		}
		if err != nil {
			return nil, nil, err
		}
		line, _ := r.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}
}

// sniffDelimiter picks ';' for exports from locales that use it, judged by
// the first line.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

func findHeader(records [][]string, maxRows int) int {
	if len(records) < maxRows {
		maxRows = len(records)
	}
	for i := 0; i < maxRows; i++ {
		for _, cell := range records[i] {
			if f, ok := LookupHeader(cell); ok && f == FieldFullName {
				return i
			}
		}
	}
	return -1
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
