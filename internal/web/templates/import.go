// Package templates renders the HTMX fragments returned by the import UI.
package templates

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/certledger/internal/importer"
)

// ImportSummary renders the outcome of one batch: counts, created courses
// and a table of failed rows.
func ImportSummary(result *importer.ImportResult) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		ew := &errWriter{w: w}

		class := "alert alert-success"
		if len(result.Errors) > 0 {
			class = "alert alert-warning"
		}
		ew.printf(`<div class="%s" id="import-summary" data-batch="%s">`, class, templ.EscapeString(result.BatchID))
		ew.printf(`<p><strong>%d of %d rows imported</strong> (%d new, %d updated)</p>`,
			result.SuccessCount, result.TotalRows, result.Inserted, result.Updated)

		if len(result.CreatedCourses) > 0 {
			ew.printf(`<p>New courses:`)
			for _, id := range result.CreatedCourses {
				ew.printf(` <code>%s</code>`, templ.EscapeString(id))
			}
			ew.printf(`</p>`)
		}

		if len(result.Errors) > 0 {
			ew.printf(`<table class="row-errors"><thead><tr><th>Row</th><th>Problem</th><th>Code</th></tr></thead><tbody>`)
			for _, e := range result.Errors {
				ew.printf(`<tr><td>%s</td><td>%s</td><td>%s</td></tr>`,
					strconv.Itoa(e.Row), templ.EscapeString(e.Message), templ.EscapeString(e.Code))
			}
			ew.printf(`</tbody></table>`)
		}
		ew.printf(`</div>`)
		return ew.err
	})
}

// ErrorAlert renders a user-facing error with its support code.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		ew := &errWriter{w: w}
		ew.printf(`<div class="alert alert-error" role="alert"><p>%s</p>`, templ.EscapeString(message))
		if action != "" {
			ew.printf(`<p class="action">%s</p>`, templ.EscapeString(action))
		}
		if code != "" {
			ew.printf(`<p class="code">%s</p>`, templ.EscapeString(code))
		}
		ew.printf(`</div>`)
		return ew.err
	})
}

// errWriter keeps the first write error so renderers can check once.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
