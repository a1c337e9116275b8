// Package records defines the stored shapes of courses and certificates and
// their conversion to and from store documents.
package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/certledger/internal/keys"
)

// Collection names used in the document store.
const (
	CollectionCourses          = "courses"
	CollectionCertificates     = "certificates"
	CollectionCertificateCodes = "certificate_codes"
	CollectionImportBatches    = "import_batches"
)

// CourseType classifies the kind of training a course represents.
type CourseType string

const (
	CourseTypeCurso     CourseType = "Curso"
	CourseTypeDiplomado CourseType = "Diplomado"
	CourseTypeWebinar   CourseType = "Webinar"
	CourseTypeTaller    CourseType = "Taller"
	CourseTypeSeminario CourseType = "Seminario"
	CourseTypeCongreso  CourseType = "Congreso"
	CourseTypeSimposio  CourseType = "Simposio"
)

var courseTypes = []CourseType{
	CourseTypeCurso, CourseTypeDiplomado, CourseTypeWebinar, CourseTypeTaller,
	CourseTypeSeminario, CourseTypeCongreso, CourseTypeSimposio,
}

// Origin records whether a course was created in this system or migrated in.
type Origin string

const (
	OriginNuevo     Origin = "nuevo"
	OriginHistorico Origin = "historico"
)

// Status is the soft-delete state of a course.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// DeliveryStatus tracks the physical/digital hand-off of a certificate.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pendiente"
	DeliveryPrinted   DeliveryStatus = "impreso"
	DeliveryDelivered DeliveryStatus = "entregado"
	DeliverySent      DeliveryStatus = "enviado"
)

var deliveryStatuses = []DeliveryStatus{DeliveryPending, DeliveryPrinted, DeliveryDelivered, DeliverySent}

// ParseCourseType accepts any case/accent variant of a course type name.
func ParseCourseType(s string) (CourseType, error) {
	folded := keys.FoldHeader(s)
	for _, ct := range courseTypes {
		if keys.FoldHeader(string(ct)) == folded {
			return ct, nil
		}
	}
	return "", fmt.Errorf("invalid enum for course type: %q (allowed: %s)", s, joinEnum(courseTypes))
}

// ParseOrigin accepts "nuevo"/"histórico" in any case.
func ParseOrigin(s string) (Origin, error) {
	switch keys.FoldHeader(s) {
	case "nuevo", "new":
		return OriginNuevo, nil
	case "historico", "historical":
		return OriginHistorico, nil
	}
	return "", fmt.Errorf("invalid enum for origin: %q (allowed: nuevo, historico)", s)
}

// ParseDeliveryStatus accepts the stored values plus a few spreadsheet spellings.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch keys.FoldHeader(s) {
	case "pendiente", "pending":
		return DeliveryPending, nil
	case "impreso", "printed":
		return DeliveryPrinted, nil
	case "entregado", "delivered":
		return DeliveryDelivered, nil
	case "enviado", "enviado digital", "sent", "digital":
		return DeliverySent, nil
	}
	return "", fmt.Errorf("invalid enum for delivery status: %q (allowed: %s)", s, joinEnum(deliveryStatuses))
}

func joinEnum[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// Course is the canonical course record. ID doubles as the store key and is
// duplicated into the document under "id".
type Course struct {
	ID         string     `json:"id"`
	Prefix     string     `json:"prefix,omitempty"`
	Name       string     `json:"name"`
	CourseType CourseType `json:"courseType,omitempty"`
	Year       int        `json:"year"`
	Month      int        `json:"month,omitempty"`
	Edition    int        `json:"edition,omitempty"`
	Origin     Origin     `json:"origin"`
	Status     Status     `json:"status"`
	FolderRef  string     `json:"folderRef,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// BasePrefix is the alphabetic root certificate codes are minted under.
func (c Course) BasePrefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return keys.Segments(c.ID)[0]
}

// Archived reports whether the course has been soft-deleted.
func (c Course) Archived() bool {
	return c.Status == StatusArchived
}

// Validate checks the structural invariants of a course.
func (c Course) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("course id is required")
	}
	if c.Year <= 0 {
		return fmt.Errorf("course %s: year is required", c.ID)
	}
	if c.Month != 0 && (c.Month < 1 || c.Month > 12) {
		return fmt.Errorf("course %s: month %d out of range 1-12", c.ID, c.Month)
	}
	if c.Month != 0 && c.Edition < 1 {
		return fmt.Errorf("course %s: edition is required when month is set", c.ID)
	}
	if c.Edition < 0 {
		return fmt.Errorf("course %s: edition must be >= 1", c.ID)
	}
	return nil
}

// Certificate is one person's completion record for one course.
type Certificate struct {
	ID              string         `json:"id"`
	CourseRef       string         `json:"courseRef"`
	CourseName      string         `json:"courseName"`
	CertificateCode string         `json:"certificateCode"`
	FullName        string         `json:"fullName"`
	NationalID      string         `json:"nationalId,omitempty"`
	Email           string         `json:"email,omitempty"`
	Phone           string         `json:"phone,omitempty"`
	Year            int            `json:"year"`
	Month           int            `json:"month,omitempty"`
	Edition         int            `json:"edition,omitempty"`
	CourseType      CourseType     `json:"courseType,omitempty"`
	Origin          Origin         `json:"origin,omitempty"`
	DeliveryStatus  DeliveryStatus `json:"deliveryStatus"`
	DriveFileID     string         `json:"driveFileId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
