// Package resolver maps a loosely specified course reference onto a stored
// course.
//
// An explicit code is tried as the store key, then against the duplicated
// "id" field, then by a scan of every course under three fixed rules:
// normalized equality, a swap of the second and third code segments, and a
// two-segment prefix. An explicit code never creates a course.
//
// A name and year reference matches on the normalized course name within
// that year. When nothing matches, a course is created with an id built from
// the name's initials.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/certledger/internal/keys"
	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
)

// maxSuffix bounds the numeric suffixes tried for a synthesized course id.
const maxSuffix = 99

// Strategy names the step that produced a match.
type Strategy string

const (
	MatchKey         Strategy = "key"
	MatchIDField     Strategy = "id-field"
	MatchNormalized  Strategy = "normalized"
	MatchPermutation Strategy = "permutation"
	MatchPrefix      Strategy = "prefix"
	MatchNameYear    Strategy = "name-year"
	MatchCreated     Strategy = "created"
)

// Reference identifies a course either by Code or by Name and Year.
// Code wins when both are set.
type Reference struct {
	Code string
	Name string
	Year int

	// Applied only when the name and year path creates a course.
	Edition    int
	Month      int
	CourseType records.CourseType
	Origin     records.Origin
}

// Explicit reports whether the reference carries a course code.
func (r Reference) Explicit() bool {
	return strings.TrimSpace(r.Code) != ""
}

func (r Reference) String() string {
	if r.Explicit() {
		return strings.TrimSpace(r.Code)
	}
	return fmt.Sprintf("%s (%d)", strings.TrimSpace(r.Name), r.Year)
}

// Result is a resolved course.
type Result struct {
	Course  records.Course
	Match   Strategy
	Created bool
}

// NotFoundError is returned when a reference matches no active course.
// Searched lists each lookup that was attempted.
type NotFoundError struct {
	Reference string
	Searched  []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("course %q not found (searched: %s)", e.Reference, strings.Join(e.Searched, "; "))
}

// ErrNoInitials is returned when a course name has nothing to build an id from.
var ErrNoInitials = errors.New("course name has no letters or digits to build an id from")

// Resolver resolves course references against a Store.
type Resolver struct {
	store       store.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	maxAttempts int
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxAttempts bounds how often course creation retries after losing a
// race on an id.
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// New returns a Resolver over st.
func New(st store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:       st,
		logger:      slog.Default(),
		now:         time.Now,
		maxAttempts: sequence.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the course ref points at. Explicit references that match
// nothing, and references that only match archived courses, return a
// *NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (Result, error) {
	if ref.Explicit() {
		return r.ResolveCode(ctx, ref.Code)
	}
	return r.resolveByName(ctx, ref)
}

// ResolveCode runs the explicit-code path only.
func (r *Resolver) ResolveCode(ctx context.Context, raw string) (Result, error) {
	code := strings.TrimSpace(raw)
	notFound := &NotFoundError{Reference: code}
	if code == "" {
		notFound.Searched = []string{"empty course code"}
		return Result{}, notFound
	}

	// Key lookup. An archived hit falls through like the id-field step.
	doc, err := r.store.Get(ctx, records.CollectionCourses, code)
	switch {
	case err == nil:
		c := records.CourseFromDocument(store.Key(doc), doc)
		if !c.Archived() {
			return Result{Course: c, Match: MatchKey}, nil
		}
		notFound.Searched = append(notFound.Searched, fmt.Sprintf("archived course %s", c.ID))
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("look up course %s: %w", code, err)
	}
	notFound.Searched = append(notFound.Searched, fmt.Sprintf("course key %q", code))

	// Duplicated id field.
	docs, err := r.store.Query(ctx, records.CollectionCourses, records.FieldID, store.OpEqual, code)
	if err != nil {
		return Result{}, fmt.Errorf("query course id %s: %w", code, err)
	}
	for _, doc := range docs {
		c := records.CourseFromDocument(store.Key(doc), doc)
		if !c.Archived() {
			return Result{Course: c, Match: MatchIDField}, nil
		}
		notFound.Searched = append(notFound.Searched, fmt.Sprintf("archived course %s", c.ID))
	}
	notFound.Searched = append(notFound.Searched, fmt.Sprintf("id field %q", code))

	// Fuzzy scan.
	all, err := r.store.All(ctx, records.CollectionCourses)
	if err != nil {
		return Result{}, fmt.Errorf("scan courses: %w", err)
	}
	for _, doc := range all {
		key := store.Key(doc)
		c := records.CourseFromDocument(key, doc)

		strategy := matchCandidates(code, key, records.String(doc, records.FieldID))
		if strategy == "" {
			continue
		}
		if c.Archived() {
			notFound.Searched = append(notFound.Searched, fmt.Sprintf("archived course %s (%s match)", c.ID, strategy))
			continue
		}
		r.logger.Debug("course resolved by fuzzy scan", "reference", code, "course_id", c.ID, "rule", strategy)
		return Result{Course: c, Match: strategy}, nil
	}
	notFound.Searched = append(notFound.Searched,
		fmt.Sprintf("fuzzy scan of %d courses (normalized, permutation, prefix)", len(all)))

	return Result{}, notFound
}

// matchCandidates applies the fuzzy rules to a course's key and, when it
// differs, its id field.
func matchCandidates(query string, candidates ...string) Strategy {
	seen := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if cand == "" || seen[cand] {
			continue
		}
		seen[cand] = true
		if s := fuzzyMatch(query, cand); s != "" {
			return s
		}
	}
	return ""
}

// fuzzyMatch returns the first rule under which candidate matches query,
// or "" when none does.
func fuzzyMatch(query, candidate string) Strategy {
	if nq := keys.Normalize(query); nq != "" && nq == keys.Normalize(candidate) {
		return MatchNormalized
	}

	qs := keys.Segments(query)
	cs := keys.Segments(candidate)

	// "LM-1-2025" stored, "LM-2025-1" typed.
	if len(qs) >= 3 && len(cs) >= 3 && len(qs) == len(cs) && strings.EqualFold(qs[0], cs[0]) {
		swapped := append([]string(nil), cs...)
		swapped[1], swapped[2] = swapped[2], swapped[1]
		if strings.EqualFold(keys.JoinSegments(swapped), keys.JoinSegments(qs)) {
			return MatchPermutation
		}
	}

	// "LM-2025" typed, "LM-2025-1" stored. The boundary must be a segment
	// separator so "LM-20" does not match "LM-2025".
	if len(qs) == 2 {
		q := strings.ToLower(keys.JoinSegments(qs))
		c := strings.ToLower(strings.TrimSpace(candidate))
		if c == q || strings.HasPrefix(c, q+"-") {
			return MatchPrefix
		}
	}

	return ""
}

func (r *Resolver) resolveByName(ctx context.Context, ref Reference) (Result, error) {
	name := strings.TrimSpace(ref.Name)
	if name == "" || ref.Year <= 0 {
		return Result{}, &NotFoundError{
			Reference: ref.String(),
			Searched:  []string{"a course code, or a course name with a year, is required"},
		}
	}

	found, archived, err := r.findByName(ctx, name, ref.Year)
	if err != nil {
		return Result{}, err
	}
	if found != nil {
		return Result{Course: *found, Match: MatchNameYear}, nil
	}
	if archived != nil {
		return Result{}, &NotFoundError{
			Reference: ref.String(),
			Searched:  []string{fmt.Sprintf("courses named %q in %d", name, ref.Year), fmt.Sprintf("archived course %s", archived.ID)},
		}
	}

	return r.create(ctx, ref)
}

// findByName returns the first active course in year whose normalized name
// equals name, or the first archived one when no active course matches.
func (r *Resolver) findByName(ctx context.Context, name string, year int) (*records.Course, *records.Course, error) {
	docs, err := r.store.Query(ctx, records.CollectionCourses, records.FieldYear, store.OpEqual, year)
	if err != nil {
		return nil, nil, fmt.Errorf("query courses for %d: %w", year, err)
	}

	want := keys.Normalize(name)
	var archived *records.Course
	for _, doc := range docs {
		c := records.CourseFromDocument(store.Key(doc), doc)
		if keys.Normalize(c.Name) != want {
			continue
		}
		if c.Archived() {
			if archived == nil {
				archived = &c
			}
			continue
		}
		return &c, nil, nil
	}
	return nil, archived, nil
}

// create persists a new course for ref. Ids are tried as ROOT[-EDITION]-YEAR,
// then ROOT2, ROOT3 and so on. A conflicting id taken by a course of the
// same name and year means a concurrent import created it first; that
// course is returned instead.
func (r *Resolver) create(ctx context.Context, ref Reference) (Result, error) {
	name := strings.TrimSpace(ref.Name)
	root := Initials(name)
	if root == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrNoInitials, name)
	}

	now := r.now().UTC()
	course := records.Course{
		Name:       name,
		CourseType: ref.CourseType,
		Year:       ref.Year,
		Origin:     ref.Origin,
		Status:     records.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if course.Origin == "" {
		course.Origin = records.OriginNuevo
	}
	if ref.Edition > 0 {
		course.Edition = ref.Edition
		course.Month = ref.Month
	}

	races := 0
	for n := 1; n <= maxSuffix; n++ {
		prefix := root
		if n > 1 {
			prefix = root + strconv.Itoa(n)
		}
		course.Prefix = prefix
		course.ID = courseID(prefix, course.Year, course.Edition)
		if err := course.Validate(); err != nil {
			return Result{}, err
		}

		err := r.store.InsertIfAbsent(ctx, records.CollectionCourses, course.ID, records.CourseDocument(course))
		if err == nil {
			r.metrics.CourseCreated()
			r.logger.Info("course created", "course_id", course.ID, "name", name, "year", course.Year)
			return Result{Course: course, Match: MatchCreated, Created: true}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Result{}, fmt.Errorf("create course %s: %w", course.ID, err)
		}

		// Someone holds the id. If it is this very course, use it.
		found, _, ferr := r.findByName(ctx, name, ref.Year)
		if ferr != nil {
			return Result{}, ferr
		}
		if found != nil {
			r.metrics.AllocationRetried()
			return Result{Course: *found, Match: MatchNameYear}, nil
		}

		_, gerr := r.store.Get(ctx, records.CollectionCourses, course.ID)
		if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
			return Result{}, fmt.Errorf("check course %s: %w", course.ID, gerr)
		}
		if gerr != nil {
			// Conflict on an id that has since vanished: retry the same suffix.
			races++
			r.metrics.AllocationRetried()
			if races >= r.maxAttempts {
				return Result{}, fmt.Errorf("%w: course id %s", sequence.ErrConcurrentAllocation, course.ID)
			}
			n--
		}
	}

	return Result{}, fmt.Errorf("%w: no free course id for %q after %d suffixes", sequence.ErrConcurrentAllocation, name, maxSuffix)
}

// courseID lays out ROOT[-EDITION]-YEAR.
func courseID(prefix string, year, edition int) string {
	if edition > 0 {
		return fmt.Sprintf("%s-%d-%d", prefix, edition, year)
	}
	return fmt.Sprintf("%s-%d", prefix, year)
}
