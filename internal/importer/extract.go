package importer

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/certledger/internal/records"
)

// Extract validates a canonical row into an Entry.
func Extract(row Row) (Entry, error) {
	var e Entry

	name, ok := row.Get(FieldFullName)
	if !ok {
		return Entry{}, &RowValidationError{Field: FieldFullName, Reason: ReasonRequired}
	}
	e.FullName = collapseSpaces(name)

	e.CourseCode, _ = row.Get(FieldCourseCode)
	if v, ok := row.Get(FieldCourseName); ok {
		e.CourseName = collapseSpaces(v)
	}
	e.Email, _ = row.Get(FieldEmail)
	e.Email = strings.ToLower(e.Email)
	e.Phone, _ = row.Get(FieldPhone)
	e.NationalID, _ = row.Get(FieldNationalID)
	e.DriveFileID, _ = row.Get(FieldDriveFileID)

	var err error
	if e.Year, err = intField(row, FieldYear, 1900, 9999); err != nil {
		return Entry{}, err
	}
	if e.Month, err = intField(row, FieldMonth, 1, 12); err != nil {
		return Entry{}, err
	}
	if e.Edition, err = intField(row, FieldEdition, 1, math.MaxInt32); err != nil {
		return Entry{}, err
	}

	if v, ok := row.Get(FieldCourseType); ok {
		ct, perr := records.ParseCourseType(v)
		if perr != nil {
			return Entry{}, enumError(FieldCourseType, v, perr)
		}
		e.CourseType = ct
	}
	if v, ok := row.Get(FieldOrigin); ok {
		o, perr := records.ParseOrigin(v)
		if perr != nil {
			return Entry{}, enumError(FieldOrigin, v, perr)
		}
		e.Origin = o
	}
	if v, ok := row.Get(FieldDeliveryStatus); ok {
		d, perr := records.ParseDeliveryStatus(v)
		if perr != nil {
			return Entry{}, enumError(FieldDeliveryStatus, v, perr)
		}
		e.DeliveryStatus = d
	}

	if e.CourseCode == "" && (e.CourseName == "" || e.Year == 0) {
		return Entry{}, &RowValidationError{
			Field:  FieldCourseCode,
			Reason: ReasonNoCourse,
			Detail: "provide " + FieldCourseCode.Label() + ", or " + FieldCourseName.Label() + " with " + FieldYear.Label(),
		}
	}

	return e, nil
}

// intField parses a whole number cell. Spreadsheet exports often write
// "2025.0", which is accepted.
func intField(row Row, f Field, lo, hi int) (int, error) {
	v, ok := row.Get(f)
	if !ok {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		fl, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || fl != math.Trunc(fl) || math.Abs(fl) > math.MaxInt32 {
			return 0, &RowValidationError{Field: f, Value: v, Reason: ReasonNumber}
		}
		n = int(fl)
	}
	if n < lo || n > hi {
		return 0, &RowValidationError{Field: f, Value: v, Reason: ReasonRange}
	}
	return n, nil
}

func enumError(f Field, v string, err error) error {
	return &RowValidationError{Field: f, Value: v, Reason: ReasonInvalidEnum, Detail: allowedValues(err)}
}

// allowedValues keeps the "(allowed: ...)" tail of a records parse error.
func allowedValues(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "(allowed:"); i >= 0 {
		return strings.TrimSuffix(strings.TrimPrefix(msg[i:], "("), ")")
	}
	return ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
