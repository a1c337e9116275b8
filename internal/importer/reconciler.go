package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/certledger/internal/folder"
	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
)

// Reconciler imports batches of rows into the store.
type Reconciler struct {
	store     store.Store
	resolver  *resolver.Resolver
	allocator *sequence.Allocator
	folders   folder.Provisioner
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithProvisioner(p folder.Provisioner) Option {
	return func(r *Reconciler) {
		if p != nil {
			r.folders = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator replaces the certificate storage id source.
func WithIDGenerator(gen func() string) Option {
	return func(r *Reconciler) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// New wires a Reconciler. res and alloc must share st.
func New(st store.Store, res *resolver.Resolver, alloc *sequence.Allocator, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     st,
		resolver:  res,
		allocator: alloc,
		folders:   folder.Noop{},
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// outcome of a row that succeeded.
type outcome int

const (
	inserted outcome = iota + 1
	updated
)

// batch carries per-call state. Rows run strictly in order, so a course
// created by one row is visible to the next without coordination.
// Certificates inserted by the batch are not merge targets for later rows
// of the same batch: merging reconciles against what was stored before.
type batch struct {
	id          string
	created     map[string]bool
	provisioned map[string]bool
	inserted    map[string]bool
	logger      *slog.Logger
}

// ImportBatch processes every row in order and reports per-row failures in
// the result. An empty batch yields an empty result. Rejecting a payload
// whose rows are not a list is the decoder's job, before ImportBatch runs.
func (r *Reconciler) ImportBatch(ctx context.Context, rows []RawRow) (*ImportResult, error) {
	b := &batch{
		id:          uuid.NewString(),
		created:     make(map[string]bool),
		provisioned: make(map[string]bool),
		inserted:    make(map[string]bool),
	}
	b.logger = r.logger.With("batch_id", b.id)

	result := &ImportResult{
		BatchID:        b.id,
		TotalRows:      len(rows),
		CreatedCourses: []string{},
		Errors:         []RowError{},
	}

	start := r.now()
	b.logger.Info("import started", "rows", len(rows))

	for i, raw := range rows {
		line := raw.Line
		if line <= 0 {
			line = i + 2 // 1-indexed, after header
		}

		out, createdCourse, err := r.processRow(ctx, b, raw)
		if createdCourse != "" && !b.created[createdCourse] {
			b.created[createdCourse] = true
			result.CreatedCourses = append(result.CreatedCourses, createdCourse)
		}
		if err != nil {
			msg := MapError(err)
			result.Errors = append(result.Errors, RowError{
				Row:     line,
				Message: err.Error(),
				Code:    msg.Code,
				Action:  msg.Action,
			})
			r.metrics.RowProcessed(metrics.OutcomeFailed)
			b.logger.Warn("import row failed", "row", line, "code", msg.Code, "error", err)
			continue
		}

		result.SuccessCount++
		switch out {
		case inserted:
			result.Inserted++
			r.metrics.RowProcessed(metrics.OutcomeInserted)
		case updated:
			result.Updated++
			r.metrics.RowProcessed(metrics.OutcomeUpdated)
		}
	}

	r.metrics.BatchProcessed()
	b.logger.Info("import finished",
		"rows", len(rows),
		"success", result.SuccessCount,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"failed", len(result.Errors),
		"created_courses", len(result.CreatedCourses),
		"duration", r.now().Sub(start),
	)
	r.recordBatch(ctx, b, result, start)
	return result, nil
}

// processRow never panics; a panic in any step becomes the row's error.
// createdCourse is set as soon as the row created a course, even if a later
// step failed.
func (r *Reconciler) processRow(ctx context.Context, b *batch, raw RawRow) (out outcome, createdCourse string, err error) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("import row panicked", "panic", p)
			err = fmt.Errorf("unexpected error processing row: %v", p)
		}
	}()

	entry, err := Extract(Canonicalize(raw))
	if err != nil {
		return 0, "", err
	}

	res, err := r.resolver.Resolve(ctx, resolver.Reference{
		Code:       entry.CourseCode,
		Name:       entry.CourseName,
		Year:       entry.Year,
		Edition:    entry.Edition,
		Month:      entry.Month,
		CourseType: entry.CourseType,
		Origin:     entry.Origin,
	})
	if err != nil {
		return 0, "", err
	}
	course := res.Course
	if res.Created {
		createdCourse = course.Name
	}

	cert := inherit(entry, course)
	r.ensureFolder(ctx, b, course)

	existing, err := r.findExisting(ctx, b, cert)
	if err != nil {
		return 0, createdCourse, err
	}
	if existing != nil {
		if err := r.merge(ctx, course, cert, *existing, entry); err != nil {
			return 0, createdCourse, err
		}
		return updated, createdCourse, nil
	}

	id, err := r.insert(ctx, course, cert)
	if err != nil {
		return 0, createdCourse, err
	}
	b.inserted[id] = true
	return inserted, createdCourse, nil
}

// inherit builds the certificate for entry, taking the fields the course
// owns from the course when the row leaves them out.
func inherit(e Entry, c records.Course) records.Certificate {
	cert := records.Certificate{
		CourseRef:      c.ID,
		CourseName:     c.Name,
		FullName:       e.FullName,
		NationalID:     e.NationalID,
		Email:          e.Email,
		Phone:          e.Phone,
		Year:           e.Year,
		Month:          e.Month,
		Edition:        e.Edition,
		CourseType:     e.CourseType,
		Origin:         e.Origin,
		DeliveryStatus: e.DeliveryStatus,
		DriveFileID:    e.DriveFileID,
	}
	if cert.Year == 0 {
		cert.Year = c.Year
	}
	if cert.Month == 0 {
		cert.Month = c.Month
	}
	if cert.Edition == 0 {
		cert.Edition = c.Edition
	}
	if cert.CourseType == "" {
		cert.CourseType = c.CourseType
	}
	if cert.Origin == "" {
		cert.Origin = c.Origin
	}
	return cert
}

// ensureFolder provisions a folder for a course that has none. Failures are
// logged and counted, never returned. Each course is attempted once per batch.
func (r *Reconciler) ensureFolder(ctx context.Context, b *batch, c records.Course) {
	if c.FolderRef != "" || b.provisioned[c.ID] {
		return
	}
	b.provisioned[c.ID] = true

	defer func() {
		if p := recover(); p != nil {
			r.metrics.FolderProvisionFailed()
			b.logger.Warn("folder provisioning panicked", "course_id", c.ID, "panic", p)
		}
	}()

	ref, err := r.folders.Ensure(ctx, c.ID, c.Name, c.Year)
	if err != nil {
		r.metrics.FolderProvisionFailed()
		b.logger.Warn("folder provisioning failed", "course_id", c.ID, "error", err)
		return
	}
	if ref == "" {
		return
	}

	err = r.store.Update(ctx, records.CollectionCourses, c.ID, store.Document{
		records.FieldFolderRef: ref,
		records.FieldUpdatedAt: records.FormatTime(r.now()),
	})
	if err != nil {
		r.metrics.FolderProvisionFailed()
		b.logger.Warn("record course folder failed", "course_id", c.ID, "folder", ref, "error", err)
	}
}

// findExisting returns the certificate matching (fullName, courseName, year).
// When several match, the earliest created one is used and the rest are
// left untouched.
func (r *Reconciler) findExisting(ctx context.Context, b *batch, cert records.Certificate) (*records.Certificate, error) {
	docs, err := r.store.Query(ctx, records.CollectionCertificates, records.FieldFullName, store.OpEqual, cert.FullName)
	if err != nil {
		return nil, fmt.Errorf("look up existing certificates for %q: %w", cert.FullName, err)
	}

	var matches []records.Certificate
	for _, doc := range docs {
		c := records.CertificateFromDocument(store.Key(doc), doc)
		if b.inserted[c.ID] {
			continue
		}
		if c.CourseName == cert.CourseName && c.Year == cert.Year {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if len(matches) > 1 {
		b.logger.Warn("several certificates match import row",
			"full_name", cert.FullName, "course", cert.CourseName, "year", cert.Year,
			"count", len(matches), "updating", matches[0].ID)
	}
	return &matches[0], nil
}

// merge updates existing in place with the row's values. The stored file
// attachment and creation time are kept. A legacy record without a code
// receives one.
func (r *Reconciler) merge(ctx context.Context, course records.Course, cert, existing records.Certificate, e Entry) error {
	patch := store.Document{
		records.FieldCourseRef:  course.ID,
		records.FieldCourseName: course.Name,
		records.FieldYear:       cert.Year,
		records.FieldUpdatedAt:  records.FormatTime(r.now()),
	}
	optional := map[string]string{
		records.FieldNationalID:     cert.NationalID,
		records.FieldEmail:          cert.Email,
		records.FieldPhone:          cert.Phone,
		records.FieldCourseType:     string(cert.CourseType),
		records.FieldOrigin:         string(cert.Origin),
		records.FieldDeliveryStatus: string(e.DeliveryStatus),
	}
	for k, v := range optional {
		if v != "" {
			patch[k] = v
		}
	}
	if cert.Month != 0 {
		patch[records.FieldMonth] = cert.Month
	}
	if cert.Edition != 0 {
		patch[records.FieldEdition] = cert.Edition
	}
	if existing.DriveFileID == "" && cert.DriveFileID != "" {
		patch[records.FieldDriveFileID] = cert.DriveFileID
	}

	var claimed string
	if existing.CertificateCode == "" {
		code, err := r.allocator.Reserve(ctx, course.BasePrefix(), scopeYear(course, cert), course.Edition, existing.ID)
		if err != nil {
			return err
		}
		claimed = code
		patch[records.FieldCertificateCode] = code
	}

	if err := r.store.Update(ctx, records.CollectionCertificates, existing.ID, patch); err != nil {
		if claimed != "" {
			r.releaseClaim(ctx, claimed)
		}
		return fmt.Errorf("update certificate %s: %w", existing.ID, err)
	}
	return nil
}

// insert claims a code and writes a new certificate, returning its storage
// id. The claim is released if the write fails.
func (r *Reconciler) insert(ctx context.Context, course records.Course, cert records.Certificate) (string, error) {
	cert.ID = r.newID()
	code, err := r.allocator.Reserve(ctx, course.BasePrefix(), scopeYear(course, cert), course.Edition, cert.ID)
	if err != nil {
		return "", err
	}

	now := r.now().UTC()
	cert.CertificateCode = code
	cert.CreatedAt = now
	cert.UpdatedAt = now
	if cert.DeliveryStatus == "" {
		cert.DeliveryStatus = records.DeliveryPending
	}

	err = r.store.InsertIfAbsent(ctx, records.CollectionCertificates, cert.ID, records.CertificateDocument(cert))
	if err != nil {
		r.releaseClaim(ctx, code)
		return "", fmt.Errorf("insert certificate %s: %w", code, err)
	}
	return cert.ID, nil
}

func (r *Reconciler) releaseClaim(ctx context.Context, code string) {
	if err := r.allocator.Release(ctx, code); err != nil {
		r.logger.Warn("release certificate code", "code", code, "error", err)
	}
}

// scopeYear is the year certificate codes are minted under: the course's,
// or the certificate's for legacy courses stored without one.
func scopeYear(c records.Course, cert records.Certificate) int {
	if c.Year > 0 {
		return c.Year
	}
	return cert.Year
}
