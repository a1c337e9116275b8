package importer

import (
	"github.com/JonMunkholm/certledger/internal/records"
)

// RawRow is one spreadsheet row as received: cells keyed by the header text
// of their column. Line is the row number in the source file; zero means
// "derive it from the row's position".
type RawRow struct {
	Line  int               `json:"line,omitempty"`
	Cells map[string]string `json:"cells"`
}

// Row is a RawRow after header canonicalization. Cells holds only fields
// that were present and non-empty.
type Row struct {
	Line    int
	Cells   map[Field]string
	Unknown []string
}

// Get returns the cell for f and whether it was present.
func (r Row) Get(f Field) (string, bool) {
	v, ok := r.Cells[f]
	return v, ok
}

// Entry is a validated row. Zero values mean "not supplied"; inheritance
// from the course happens in the reconciler.
type Entry struct {
	FullName       string
	CourseCode     string
	CourseName     string
	Year           int
	Month          int
	Edition        int
	Email          string
	Phone          string
	NationalID     string
	CourseType     records.CourseType
	Origin         records.Origin
	DeliveryStatus records.DeliveryStatus
	DriveFileID    string
}

// RowError is a row that did not reach a completed insert or update.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Action  string `json:"action,omitempty"`
}

// ImportResult is the outcome of one batch. It holds no references into
// engine state and is safe to serialize.
type ImportResult struct {
	BatchID        string     `json:"batchId"`
	TotalRows      int        `json:"totalRows"`
	SuccessCount   int        `json:"successCount"`
	Inserted       int        `json:"inserted"`
	Updated        int        `json:"updated"`
	CreatedCourses []string   `json:"createdCourses"`
	Errors         []RowError `json:"errors"`
}
