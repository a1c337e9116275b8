package importer

import (
	"github.com/JonMunkholm/certledger/internal/keys"
)

// Field is a canonical import column.
type Field string

const (
	FieldFullName       Field = "fullName"
	FieldCourseCode     Field = "courseCode"
	FieldCourseName     Field = "courseName"
	FieldYear           Field = "year"
	FieldMonth          Field = "month"
	FieldEdition        Field = "edition"
	FieldEmail          Field = "email"
	FieldPhone          Field = "phone"
	FieldNationalID     Field = "nationalId"
	FieldCourseType     Field = "courseType"
	FieldOrigin         Field = "origin"
	FieldDeliveryStatus Field = "deliveryStatus"
	FieldDriveFileID    Field = "driveFileId"
)

// headerSynonyms lists the accepted spellings per field. The canonical
// field name is always accepted too. Comparison folds case, accents,
// punctuation and parenthetical notes, so "EDICIÓN (opcional)" is "Edición".
var headerSynonyms = map[Field][]string{
	FieldFullName:       {"Nombre Completo", "Nombre", "Nombres y Apellidos", "Full Name", "Name"},
	FieldCourseCode:     {"ID del Curso", "Código del Curso", "Código", "Course ID", "Course Code"},
	FieldCourseName:     {"Nombre del Curso", "Curso", "Course Name", "Course"},
	FieldYear:           {"Año", "Year"},
	FieldMonth:          {"Mes", "Month"},
	FieldEdition:        {"Edición", "Edition"},
	FieldEmail:          {"Correo", "Correo Electrónico", "Email", "E-mail"},
	FieldPhone:          {"Teléfono", "Celular", "Phone"},
	FieldNationalID:     {"Cédula", "Identificación", "DNI", "National ID"},
	FieldCourseType:     {"Tipo", "Tipo de Curso", "Course Type"},
	FieldOrigin:         {"Origen", "Origin"},
	FieldDeliveryStatus: {"Estado", "Estado de Entrega", "Delivery Status"},
	FieldDriveFileID:    {"Archivo", "Drive File ID"},
}

// headerIndex maps folded header text to its field.
var headerIndex = buildHeaderIndex()

func buildHeaderIndex() map[string]Field {
	idx := make(map[string]Field)
	for field, names := range headerSynonyms {
		idx[keys.FoldHeader(string(field))] = field
		for _, n := range names {
			idx[keys.FoldHeader(n)] = field
		}
	}
	return idx
}

// LookupHeader returns the canonical field for a header, if any.
func LookupHeader(header string) (Field, bool) {
	f, ok := headerIndex[keys.FoldHeader(CleanCell(header))]
	return f, ok
}

// Label is the header users see for f in messages.
func (f Field) Label() string {
	if names := headerSynonyms[f]; len(names) > 0 {
		return names[0]
	}
	return string(f)
}

// Canonicalize maps raw header spellings onto fields. Empty cells are
// dropped. When two headers map to the same field the first non-empty
// cell in header order wins; headers are visited in sorted order so the
// choice is deterministic.
func Canonicalize(raw RawRow) Row {
	row := Row{Line: raw.Line, Cells: make(map[Field]string, len(raw.Cells))}

	for _, header := range sortedKeys(raw.Cells) {
		field, ok := LookupHeader(header)
		if !ok {
			row.Unknown = append(row.Unknown, header)
			continue
		}
		value := CleanCell(raw.Cells[header])
		if value == "" {
			continue
		}
		if _, taken := row.Cells[field]; !taken {
			row.Cells[field] = value
		}
	}
	return row
}
