package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(st store.Store, opts ...Option) *Reconciler {
	clock := func() time.Time { return testNow }
	log := discardLogger()
	res := resolver.New(st, resolver.WithClock(clock), resolver.WithLogger(log))
	alloc := sequence.New(st, sequence.WithClock(clock), sequence.WithLogger(log))

	n := 0
	base := []Option{
		WithClock(clock),
		WithLogger(log),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("cert-%03d", n)
		}),
	}
	return New(st, res, alloc, append(base, opts...)...)
}

func seedCourse(t *testing.T, st store.Store, c records.Course) {
	t.Helper()
	if c.Status == "" {
		c.Status = records.StatusActive
	}
	if c.Origin == "" {
		c.Origin = records.OriginNuevo
	}
	if err := st.InsertIfAbsent(context.Background(), records.CollectionCourses, c.ID, records.CourseDocument(c)); err != nil {
		t.Fatalf("seed course %s: %v", c.ID, err)
	}
}

func seedCertificate(t *testing.T, st store.Store, c records.Certificate) {
	t.Helper()
	if err := st.InsertIfAbsent(context.Background(), records.CollectionCertificates, c.ID, records.CertificateDocument(c)); err != nil {
		t.Fatalf("seed certificate %s: %v", c.ID, err)
	}
}

func certificatesByCode(t *testing.T, st store.Store) map[string]records.Certificate {
	t.Helper()
	docs, err := st.All(context.Background(), records.CollectionCertificates)
	if err != nil {
		t.Fatalf("list certificates: %v", err)
	}
	out := make(map[string]records.Certificate, len(docs))
	for _, doc := range docs {
		c := records.CertificateFromDocument(store.Key(doc), doc)
		out[c.CertificateCode] = c
	}
	return out
}

func row(cells map[string]string) RawRow {
	return RawRow{Cells: cells}
}

func TestImportBatch_EndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	rows := []RawRow{
		row(map[string]string{"Nombre Completo": "Ana Ruiz", "ID del Curso": "LM-2025"}),
		row(map[string]string{"Nombre Completo": "Ana Ruiz", "ID del Curso": "LM-2025"}),
	}

	result, err := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportBatch error: %v", err)
	}

	if result.SuccessCount != 2 || len(result.Errors) != 0 || len(result.CreatedCourses) != 0 {
		t.Fatalf("result = %+v, want 2 successes, no errors, no created courses", result)
	}

	certs := certificatesByCode(t, st)
	for _, code := range []string{"LM-2025-01", "LM-2025-02"} {
		c, ok := certs[code]
		if !ok {
			t.Errorf("certificate %s missing", code)
			continue
		}
		if c.CourseRef != "LM-2025" || c.Year != 2025 || c.DeliveryStatus != records.DeliveryPending {
			t.Errorf("certificate %s = %+v", code, c)
		}
	}
	if len(certs) != 2 {
		t.Errorf("stored %d certificates, want 2", len(certs))
	}
}

func TestImportBatch_PerRowIsolation(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	var rows []RawRow
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("Persona %d", i)
		if i == 3 {
			name = ""
		}
		rows = append(rows, row(map[string]string{"Nombre": name, "Course ID": "LM-2025"}))
	}

	result, err := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportBatch error: %v", err)
	}

	if result.SuccessCount != 4 {
		t.Errorf("SuccessCount = %d, want 4", result.SuccessCount)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %+v, want exactly one", result.Errors)
	}
	e := result.Errors[0]
	if e.Row != 4 {
		t.Errorf("error row = %d, want 4 (third data row after the header)", e.Row)
	}
	if e.Code != "VAL001" || !strings.Contains(e.Message, "Nombre Completo") {
		t.Errorf("error = %+v, want VAL001 naming the full name column", e)
	}
}

func TestImportBatch_SourceLineNumbers(t *testing.T) {
	st := store.NewMemoryStore()
	rows := []RawRow{
		{Line: 7, Cells: map[string]string{"Nombre": "Ana", "ID del Curso": "NOPE-2025"}},
	}

	result, _ := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if len(result.Errors) != 1 || result.Errors[0].Row != 7 {
		t.Errorf("errors = %+v, want one at line 7", result.Errors)
	}
}

func TestImportBatch_CreatesCourse(t *testing.T) {
	st := store.NewMemoryStore()
	m := metrics.Nop()
	rows := []RawRow{
		row(map[string]string{"Nombre": "Bob", "Nombre del Curso": "Taller Nuevo", "Año": "2025"}),
	}

	result, err := newTestReconciler(st, WithMetrics(m)).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportBatch error: %v", err)
	}

	if result.SuccessCount != 1 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.CreatedCourses) != 1 || result.CreatedCourses[0] != "Taller Nuevo" {
		t.Errorf("CreatedCourses = %v, want [Taller Nuevo]", result.CreatedCourses)
	}
	if st.Len(records.CollectionCourses) != 1 {
		t.Errorf("courses = %d, want 1", st.Len(records.CollectionCourses))
	}
	if _, err := st.Get(context.Background(), records.CollectionCourses, "TN-2025"); err != nil {
		t.Errorf("course TN-2025 not stored: %v", err)
	}
	if _, ok := certificatesByCode(t, st)["TN-2025-01"]; !ok {
		t.Error("certificate TN-2025-01 missing")
	}
	if got := testutil.ToFloat64(m.ImportRows.WithLabelValues(metrics.OutcomeInserted)); got != 1 {
		t.Errorf("inserted rows metric = %v, want 1", got)
	}
}

func TestImportBatch_CreatedCourseVisibleToLaterRows(t *testing.T) {
	st := store.NewMemoryStore()
	rows := []RawRow{
		row(map[string]string{"Nombre": "Bob", "Curso": "Taller Nuevo", "Year": "2025"}),
		row(map[string]string{"Nombre": "Carla", "Curso": "taller nuevo", "Year": "2025"}),
	}

	result, _ := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if result.SuccessCount != 2 || len(result.CreatedCourses) != 1 {
		t.Fatalf("result = %+v, want 2 successes and one created course", result)
	}
	certs := certificatesByCode(t, st)
	if certs["TN-2025-02"].FullName != "Carla" {
		t.Errorf("second row should reuse TN-2025, certs = %v", certs)
	}
}

func TestImportBatch_MergePreservesAttachment(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	seedCertificate(t, st, records.Certificate{
		ID:              "existing",
		CourseRef:       "LM-2025",
		CourseName:      "Liderazgo Moderno",
		CertificateCode: "LM-2025-01",
		FullName:        "Ana Ruiz",
		Year:            2025,
		Email:           "old@example.com",
		DeliveryStatus:  records.DeliveryPending,
		DriveFileID:     "drive-abc",
		CreatedAt:       created,
		UpdatedAt:       created,
	})

	rows := []RawRow{
		row(map[string]string{
			"Nombre Completo": "Ana Ruiz",
			"ID del Curso":    "LM-2025",
			"Correo":          "Ana@Example.com",
			"Teléfono":        "555-0101",
			"Estado":          "Entregado",
			"Archivo":         "",
		}),
	}

	result, err := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportBatch error: %v", err)
	}
	if result.SuccessCount != 1 || result.Updated != 1 || result.Inserted != 0 {
		t.Fatalf("result = %+v, want one update", result)
	}

	doc, err := st.Get(context.Background(), records.CollectionCertificates, "existing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := records.CertificateFromDocument("existing", doc)

	if got.DriveFileID != "drive-abc" {
		t.Errorf("DriveFileID = %q, want drive-abc preserved", got.DriveFileID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v preserved", got.CreatedAt, created)
	}
	if got.CertificateCode != "LM-2025-01" {
		t.Errorf("CertificateCode = %q, want LM-2025-01 kept", got.CertificateCode)
	}
	if got.DeliveryStatus != records.DeliveryDelivered {
		t.Errorf("DeliveryStatus = %q, want entregado", got.DeliveryStatus)
	}
	if got.Email != "ana@example.com" || got.Phone != "555-0101" {
		t.Errorf("contact = %q / %q, want new values", got.Email, got.Phone)
	}
	if st.Len(records.CollectionCertificates) != 1 {
		t.Errorf("certificates = %d, want 1", st.Len(records.CollectionCertificates))
	}
}

func TestImportBatch_MergeAssignsCodeToLegacyRecord(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})
	seedCertificate(t, st, records.Certificate{
		ID: "legacy", CourseName: "Liderazgo Moderno", FullName: "Ana Ruiz", Year: 2025,
	})

	rows := []RawRow{row(map[string]string{"Nombre": "Ana Ruiz", "Código del Curso": "LM-2025"})}
	result, _ := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if result.Updated != 1 {
		t.Fatalf("result = %+v, want one update", result)
	}

	doc, _ := st.Get(context.Background(), records.CollectionCertificates, "legacy")
	if records.String(doc, records.FieldCertificateCode) != "LM-2025-01" {
		t.Errorf("legacy certificate code = %v, want LM-2025-01", doc[records.FieldCertificateCode])
	}
	if records.String(doc, records.FieldCourseRef) != "LM-2025" {
		t.Errorf("legacy courseRef = %v, want LM-2025", doc[records.FieldCourseRef])
	}
}

func TestImportBatch_ReimportIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})
	rows := []RawRow{row(map[string]string{"Nombre": "Ana Ruiz", "ID del Curso": "LM-2025"})}

	r := newTestReconciler(st)
	first, _ := r.ImportBatch(context.Background(), rows)
	second, _ := r.ImportBatch(context.Background(), rows)

	if first.Inserted != 1 || second.Updated != 1 || second.Inserted != 0 {
		t.Errorf("first = %+v, second = %+v; want insert then update", first, second)
	}
	if st.Len(records.CollectionCertificates) != 1 {
		t.Errorf("certificates = %d, want 1", st.Len(records.CollectionCertificates))
	}
}

func TestImportBatch_CourseNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	rows := []RawRow{row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM"})}
	result, _ := newTestReconciler(st).ImportBatch(context.Background(), rows)

	if result.SuccessCount != 0 || len(result.Errors) != 1 {
		t.Fatalf("result = %+v", result)
	}
	e := result.Errors[0]
	if e.Code != "CRS001" || !strings.Contains(e.Message, `"LM"`) {
		t.Errorf("error = %+v, want CRS001 naming the code", e)
	}
	if st.Len(records.CollectionCourses) != 1 {
		t.Error("explicit code must not create a course")
	}
}

func TestImportBatch_InheritsCourseFields(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{
		ID: "LM-2-2025", Name: "Liderazgo Moderno", Year: 2025, Month: 5, Edition: 2,
		CourseType: records.CourseTypeDiplomado, Origin: records.OriginHistorico,
	})

	rows := []RawRow{row(map[string]string{"Nombre": "Ana", "Course ID": "LM-2-2025"})}
	result, _ := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if result.SuccessCount != 1 {
		t.Fatalf("result = %+v", result)
	}

	c, ok := certificatesByCode(t, st)["LM-2-2025-01"]
	if !ok {
		t.Fatalf("certificate LM-2-2025-01 missing: %v", certificatesByCode(t, st))
	}
	if c.Year != 2025 || c.Month != 5 || c.Edition != 2 ||
		c.CourseType != records.CourseTypeDiplomado || c.Origin != records.OriginHistorico {
		t.Errorf("inherited fields = %+v", c)
	}
}

type failingProvisioner struct{ calls int }

func (f *failingProvisioner) Ensure(context.Context, string, string, int) (string, error) {
	f.calls++
	return "", errors.New("drive unavailable")
}

type panickingProvisioner struct{}

func (panickingProvisioner) Ensure(context.Context, string, string, int) (string, error) {
	panic("drive client not initialised")
}

type recordingProvisioner struct{}

func (recordingProvisioner) Ensure(_ context.Context, id, _ string, year int) (string, error) {
	return fmt.Sprintf("%d/%s", year, id), nil
}

func TestImportBatch_ProvisioningFailureIsSwallowed(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})
	prov := &failingProvisioner{}
	m := metrics.Nop()

	rows := []RawRow{
		row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025"}),
		row(map[string]string{"Nombre": "Bea", "ID del Curso": "LM-2025"}),
	}
	result, _ := newTestReconciler(st, WithProvisioner(prov), WithMetrics(m)).ImportBatch(context.Background(), rows)

	if result.SuccessCount != 2 || len(result.Errors) != 0 {
		t.Errorf("result = %+v, provisioning failures must not fail rows", result)
	}
	if prov.calls != 1 {
		t.Errorf("provisioner called %d times, want once per course per batch", prov.calls)
	}
	if got := testutil.ToFloat64(m.FolderProvisionFailures); got != 1 {
		t.Errorf("provision failures metric = %v, want 1", got)
	}
}

func TestImportBatch_ProvisioningPanicIsSwallowed(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	rows := []RawRow{row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025"})}
	result, _ := newTestReconciler(st, WithProvisioner(panickingProvisioner{})).ImportBatch(context.Background(), rows)
	if result.SuccessCount != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestImportBatch_RecordsFolderRef(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	rows := []RawRow{row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025"})}
	_, _ = newTestReconciler(st, WithProvisioner(recordingProvisioner{})).ImportBatch(context.Background(), rows)

	doc, _ := st.Get(context.Background(), records.CollectionCourses, "LM-2025")
	if records.String(doc, records.FieldFolderRef) != "2025/LM-2025" {
		t.Errorf("folderRef = %v, want 2025/LM-2025", doc[records.FieldFolderRef])
	}
}

// brokenStore fails every certificate query, as an unavailable backend would.
type brokenStore struct {
	*store.MemoryStore
}

func (b *brokenStore) Query(ctx context.Context, collection, field string, op store.Operator, value any) ([]store.Document, error) {
	if collection == records.CollectionCertificates {
		return nil, &store.Error{Op: "query", Collection: collection, Err: errors.New("connection refused")}
	}
	return b.MemoryStore.Query(ctx, collection, field, op, value)
}

func TestImportBatch_StoreErrorPerRow(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemoryStore()}
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	rows := []RawRow{
		row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025"}),
		row(map[string]string{"Nombre": "Bea", "ID del Curso": "LM-2025"}),
	}
	result, err := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("store failures must not abort the batch: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("errors = %+v, want one per row", result.Errors)
	}
	if result.Errors[0].Code != "DB002" {
		t.Errorf("code = %q, want DB002", result.Errors[0].Code)
	}
}

func TestImportBatch_Empty(t *testing.T) {
	headerOnly, err := ParseCSV([]byte("Nombre Completo,ID del Curso\n\n"), 0)
	if err != nil {
		t.Fatalf("ParseCSV error: %v", err)
	}

	tests := []struct {
		name string
		rows []RawRow
	}{
		{"nil", nil},
		{"empty list", []RawRow{}},
		{"header-only csv", headerOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newTestReconciler(store.NewMemoryStore()).ImportBatch(context.Background(), tt.rows)
			if err != nil {
				t.Fatalf("ImportBatch error: %v", err)
			}
			if result.SuccessCount != 0 || result.TotalRows != 0 {
				t.Errorf("result = %+v, want no rows processed", result)
			}
			if result.Errors == nil || len(result.Errors) != 0 {
				t.Errorf("errors = %#v, want an empty list", result.Errors)
			}
		})
	}
}

// claimConflictStore reports every claim on one certificate code as taken.
type claimConflictStore struct {
	*store.MemoryStore
	code string
}

func (c *claimConflictStore) InsertIfAbsent(ctx context.Context, collection, id string, doc store.Document) error {
	if collection == records.CollectionCertificateCodes && id == c.code {
		return store.ErrConflict
	}
	return c.MemoryStore.InsertIfAbsent(ctx, collection, id, doc)
}

func TestImportBatch_ConcurrentAllocationPerRow(t *testing.T) {
	st := &claimConflictStore{MemoryStore: store.NewMemoryStore(), code: "LM-2025-01"}
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})
	seedCourse(t, st, records.Course{ID: "GP-2025", Name: "Gestion de Proyectos", Year: 2025})

	rows := []RawRow{
		row(map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025"}),
		row(map[string]string{"Nombre": "Bea", "ID del Curso": "GP-2025"}),
	}
	result, err := newTestReconciler(st).ImportBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("a lost allocation race must not abort the batch: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Errorf("success = %d, want 1", result.SuccessCount)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %+v, want exactly one", result.Errors)
	}
	if got := result.Errors[0]; got.Row != 2 || got.Code != "SEQ001" {
		t.Errorf("error = %+v, want row 2 with SEQ001", got)
	}
	if _, ok := certificatesByCode(t, st)["GP-2025-01"]; !ok {
		t.Error("the other row should still be imported as GP-2025-01")
	}
}

func TestImportBatch_ValidationErrors(t *testing.T) {
	st := store.NewMemoryStore()
	seedCourse(t, st, records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025})

	tests := []struct {
		name  string
		cells map[string]string
		code  string
	}{
		{"no course", map[string]string{"Nombre": "Ana"}, "VAL004"},
		{"name without year", map[string]string{"Nombre": "Ana", "Curso": "Taller"}, "VAL004"},
		{"bad year", map[string]string{"Nombre": "Ana", "Curso": "Taller", "Año": "dos mil"}, "VAL002"},
		{"bad month", map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025", "Mes": "13"}, "VAL003"},
		{"bad status", map[string]string{"Nombre": "Ana", "ID del Curso": "LM-2025", "Estado": "perdido"}, "VAL005"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _ := newTestReconciler(st).ImportBatch(context.Background(), []RawRow{row(tt.cells)})
			if len(result.Errors) != 1 || result.Errors[0].Code != tt.code {
				t.Errorf("errors = %+v, want one %s", result.Errors, tt.code)
			}
		})
	}
}
