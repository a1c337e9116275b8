package records

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Document field names. Stores index and query on these.
const (
	FieldID              = "id"
	FieldPrefix          = "prefix"
	FieldName            = "name"
	FieldCourseType      = "courseType"
	FieldYear            = "year"
	FieldMonth           = "month"
	FieldEdition         = "edition"
	FieldOrigin          = "origin"
	FieldStatus          = "status"
	FieldFolderRef       = "folderRef"
	FieldCourseRef       = "courseRef"
	FieldCourseName      = "courseName"
	FieldCertificateCode = "certificateCode"
	FieldFullName        = "fullName"
	FieldNationalID      = "nationalId"
	FieldEmail           = "email"
	FieldPhone           = "phone"
	FieldDeliveryStatus  = "deliveryStatus"
	FieldDriveFileID     = "driveFileId"
	FieldCreatedAt       = "createdAt"
	FieldUpdatedAt       = "updatedAt"
	FieldCode            = "code"
	FieldCertificateID   = "certificateId"
)

// CourseDocument converts a course to its stored form.
func CourseDocument(c Course) map[string]any {
	doc := map[string]any{
		FieldID:        c.ID,
		FieldPrefix:    c.BasePrefix(),
		FieldName:      c.Name,
		FieldYear:      c.Year,
		FieldOrigin:    string(c.Origin),
		FieldStatus:    string(c.Status),
		FieldCreatedAt: formatTime(c.CreatedAt),
		FieldUpdatedAt: formatTime(c.UpdatedAt),
	}
	if c.CourseType != "" {
		doc[FieldCourseType] = string(c.CourseType)
	}
	if c.Month != 0 {
		doc[FieldMonth] = c.Month
	}
	if c.Edition != 0 {
		doc[FieldEdition] = c.Edition
	}
	if c.FolderRef != "" {
		doc[FieldFolderRef] = c.FolderRef
	}
	return doc
}

// CourseFromDocument rebuilds a course. key is the store id, used when the
// document does not duplicate it.
func CourseFromDocument(key string, doc map[string]any) Course {
	c := Course{
		ID:         String(doc, FieldID),
		Prefix:     String(doc, FieldPrefix),
		Name:       String(doc, FieldName),
		CourseType: CourseType(String(doc, FieldCourseType)),
		Year:       Int(doc, FieldYear),
		Month:      Int(doc, FieldMonth),
		Edition:    Int(doc, FieldEdition),
		Origin:     Origin(String(doc, FieldOrigin)),
		Status:     Status(String(doc, FieldStatus)),
		FolderRef:  String(doc, FieldFolderRef),
		CreatedAt:  Time(doc, FieldCreatedAt),
		UpdatedAt:  Time(doc, FieldUpdatedAt),
	}
	if c.ID == "" {
		c.ID = key
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	return c
}

// CertificateDocument converts a certificate to its stored form.
func CertificateDocument(c Certificate) map[string]any {
	doc := map[string]any{
		FieldID:              c.ID,
		FieldCourseRef:       c.CourseRef,
		FieldCourseName:      c.CourseName,
		FieldCertificateCode: c.CertificateCode,
		FieldFullName:        c.FullName,
		FieldYear:            c.Year,
		FieldDeliveryStatus:  string(c.DeliveryStatus),
		FieldCreatedAt:       formatTime(c.CreatedAt),
		FieldUpdatedAt:       formatTime(c.UpdatedAt),
	}
	optional := map[string]string{
		FieldNationalID:  c.NationalID,
		FieldEmail:       c.Email,
		FieldPhone:       c.Phone,
		FieldCourseType:  string(c.CourseType),
		FieldOrigin:      string(c.Origin),
		FieldDriveFileID: c.DriveFileID,
	}
	for k, v := range optional {
		if v != "" {
			doc[k] = v
		}
	}
	if c.Month != 0 {
		doc[FieldMonth] = c.Month
	}
	if c.Edition != 0 {
		doc[FieldEdition] = c.Edition
	}
	return doc
}

// CertificateFromDocument rebuilds a certificate.
func CertificateFromDocument(key string, doc map[string]any) Certificate {
	c := Certificate{
		ID:              String(doc, FieldID),
		CourseRef:       String(doc, FieldCourseRef),
		CourseName:      String(doc, FieldCourseName),
		CertificateCode: String(doc, FieldCertificateCode),
		FullName:        String(doc, FieldFullName),
		NationalID:      String(doc, FieldNationalID),
		Email:           String(doc, FieldEmail),
		Phone:           String(doc, FieldPhone),
		Year:            Int(doc, FieldYear),
		Month:           Int(doc, FieldMonth),
		Edition:         Int(doc, FieldEdition),
		CourseType:      CourseType(String(doc, FieldCourseType)),
		Origin:          Origin(String(doc, FieldOrigin)),
		DeliveryStatus:  DeliveryStatus(String(doc, FieldDeliveryStatus)),
		DriveFileID:     String(doc, FieldDriveFileID),
		CreatedAt:       Time(doc, FieldCreatedAt),
		UpdatedAt:       Time(doc, FieldUpdatedAt),
	}
	if c.ID == "" {
		c.ID = key
	}
	return c
}

// String reads a field as a string. Missing and nil fields read as "".
func String(doc map[string]any, field string) string {
	switch v := doc[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int reads a numeric field stored as an int, a JSON float64 or a string.
// Anything unparseable reads as 0.
func Int(doc map[string]any, field string) int {
	switch v := doc[field].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

// Time reads an RFC 3339 timestamp field.
func Time(doc map[string]any, field string) time.Time {
	switch v := doc[field].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatTime renders timestamps the way documents store them.
func FormatTime(t time.Time) string {
	return formatTime(t)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
