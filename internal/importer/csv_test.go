package importer

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCSV_HeaderSearchAndLines(t *testing.T) {
	data := "\xEF\xBB\xBFReporte de certificados,,\n" +
		",,\n" +
		"Nombre Completo,ID del Curso,Año\n" +
		"Ana Ruiz,LM-2025,2025\n" +
		"\n" +
		",,\n" +
		"Bob,=\"TN-2025\",2025\n"

	rows, err := ParseCSV([]byte(data), 0)
	if err != nil {
		t.Fatalf("ParseCSV error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (empty rows skipped)", len(rows))
	}

	if rows[0].Line != 4 {
		t.Errorf("first row line = %d, want 4", rows[0].Line)
	}
	if rows[1].Line != 7 {
		t.Errorf("second row line = %d, want 7", rows[1].Line)
	}
	if rows[0].Cells["Nombre Completo"] != "Ana Ruiz" {
		t.Errorf("cells = %v", rows[0].Cells)
	}

	canon := Canonicalize(rows[1])
	if code, _ := canon.Get(FieldCourseCode); code != "TN-2025" {
		t.Errorf("course code = %q, want Excel wrapper removed", code)
	}
}

func TestParseCSV_Semicolon(t *testing.T) {
	rows, err := ParseCSV([]byte("Nombre;Curso;Año\nAna;Taller Nuevo;2025\n"), 0)
	if err != nil {
		t.Fatalf("ParseCSV error: %v", err)
	}
	if len(rows) != 1 || rows[0].Cells["Curso"] != "Taller Nuevo" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestParseCSV_InvalidUTF8(t *testing.T) {
	rows, err := ParseCSV([]byte("Nombre,Curso\nJos\xe9,Taller\n"), 0)
	if err != nil {
		t.Fatalf("ParseCSV error: %v", err)
	}
	if got := rows[0].Cells["Nombre"]; got != "Jos\uFFFD" {
		t.Errorf("name = %q, want replacement rune", got)
	}
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		maxRows int
		want    error
	}{
		{"empty", "", 0, ErrEmptyFile},
		{"whitespace", "  \n\n", 0, ErrEmptyFile},
		{"bom only", "\xEF\xBB\xBF", 0, ErrEmptyFile},
		{"no name column", "Curso,Año\nTaller,2025\n", 0, ErrHeaderNotFound},
		{"header beyond window", "x\ny\nNombre\nAna\n", 2, ErrHeaderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV([]byte(tt.data), tt.maxRows)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader("Full Name,Course ID\nAna,LM-2025\n"), 5)
	if err != nil {
		t.Fatalf("ReadCSV error: %v", err)
	}
	if len(rows) != 1 || rows[0].Line != 2 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestCleanCell(t *testing.T) {
	tests := map[string]string{
		"  Ana  ":      "Ana",
		`="00123"`:     "00123",
		"=SUM":         "SUM",
		`"quoted"`:     "quoted",
		"'single'":     "single",
		"":             "",
		`=""`:          "",
		" \" spaced\"": "spaced",
	}
	for in, want := range tests {
		if got := CleanCell(in); got != want {
			t.Errorf("CleanCell(%q) = %q, want %q", in, got, want)
		}
	}
}
