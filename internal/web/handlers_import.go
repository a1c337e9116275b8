package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/logging"
	"github.com/JonMunkholm/certledger/internal/web/templates"
)

// handleImport reconciles one batch. The body is a multipart form with a
// CSV under "file", a raw text/csv body, or JSON {"rows": [{header: value}]}.
// Row failures are reported inside the result; only a batch that cannot be
// read at all gets an error status.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)

	rows, source, err := s.readImportRows(r)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	if err := s.deps.Imports.Acquire(r.Context()); err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	defer s.deps.Imports.Release()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Import.Timeout)
	defer cancel()

	logging.WithFields(ctx, "source", source, "rows", len(rows)).Debug("import request accepted")

	result, err := s.deps.Reconciler.ImportBatch(ctx, rows)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		templates.ImportSummary(result).Render(ctx, w)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleImportStatus reports how many import slots are in use.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Imports.Status())
}

// handleImportBatch returns the stored summary of a previous import.
func (s *Server) handleImportBatch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Reconciler.Batch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) readImportRows(r *http.Request) ([]importer.RawRow, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	maxRows := s.cfg.Import.MaxHeaderSearchRows

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.cfg.Import.MaxFileSize); err != nil {
			if err = bodyError(err); strings.Contains(err.Error(), "file too large") {
				return nil, "multipart", err
			}
			return nil, "multipart", fmt.Errorf("%w: invalid form: %v", importer.ErrMalformedBatch, err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "multipart", fmt.Errorf("%w: no file provided", importer.ErrMalformedBatch)
		}
		defer file.Close()

		rows, err := importer.ReadCSV(file, maxRows)
		return rows, header.Filename, bodyError(err)

	case "text/csv":
		rows, err := importer.ReadCSV(r.Body, maxRows)
		return rows, "csv", bodyError(err)

	default:
		rows, err := decodeJSONRows(r.Body)
		return rows, "json", bodyError(err)
	}
}

// bodyError turns an oversize body into the "file too large" class.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("file too large: limit is %d bytes", tooLarge.Limit)
	}
	return err
}

// decodeJSONRows reads {"rows": [...]}. A missing or non-list "rows" rejects
// the whole batch. Elements that are not objects become rows with no cells,
// which then fail individually.
func decodeJSONRows(body io.Reader) ([]importer.RawRow, error) {
	var req struct {
		Rows json.RawMessage `json:"rows"`
	}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", importer.ErrMalformedBatch, err)
	}

	trimmed := bytes.TrimSpace(req.Rows)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, importer.ErrMalformedBatch
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", importer.ErrMalformedBatch, err)
	}

	rows := make([]importer.RawRow, len(items))
	for i, item := range items {
		rows[i] = importer.RawRow{Cells: decodeCells(item)}
	}
	return rows, nil
}

func decodeCells(item json.RawMessage) map[string]string {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil
	}

	cells := make(map[string]string, len(obj))
	for header, v := range obj {
		cells[header] = cellString(v)
	}
	return cells
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
