// Package sequence mints human-facing certificate codes.
//
// A code is the scope prefix followed by a counter of at least two digits:
// "LM-2025-07" or, for a course with editions, "LM-1-2025-07". Within a scope
// the counter continues from the highest value already issued, so codes of
// deleted certificates are never handed out again.
//
// Next is a read-only preview. Reserve claims the code in the
// certificate_codes collection with an insert-if-absent write and retries a
// bounded number of times when another writer took it first.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/certledger/internal/keys"
	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/store"
)

// DefaultMaxAttempts bounds Reserve when no option overrides it.
const DefaultMaxAttempts = 3

// rangeSentinel closes the half-open range that emulates a prefix scan.
const rangeSentinel = "\uffff"

// ErrConcurrentAllocation is returned when every attempt to claim an
// identifier collided with a concurrent writer.
var ErrConcurrentAllocation = errors.New("concurrent allocation: retries exhausted")

var twoDigitSegment = regexp.MustCompile(`^\d{2}$`)

// Allocator computes and claims certificate codes.
type Allocator struct {
	store       store.Store
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxAttempts sets how many claims Reserve tries before giving up.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// New returns an Allocator over st.
func New(st store.Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:       st,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ScopePrefix returns the prefix every code in (basePrefix, year, edition)
// starts with. An edition of 0 means the course has none. A base prefix that
// already carries a counter, year or edition is trimmed back to its root so
// prefixes never nest.
func ScopePrefix(basePrefix string, year, edition int) (string, error) {
	root := trimQualifiers(basePrefix, year, edition)
	if root == "" {
		return "", fmt.Errorf("certificate code prefix is empty (base %q)", basePrefix)
	}
	if year <= 0 {
		return "", fmt.Errorf("certificate code scope %s needs a year", root)
	}
	if edition > 0 {
		return fmt.Sprintf("%s-%d-%d-", root, edition, year), nil
	}
	return fmt.Sprintf("%s-%d-", root, year), nil
}

func trimQualifiers(basePrefix string, year, edition int) string {
	var segs []string
	for _, s := range keys.Segments(basePrefix) {
		if s != "" {
			segs = append(segs, s)
		}
	}

	if len(segs) > 1 && twoDigitSegment.MatchString(segs[len(segs)-1]) {
		segs = segs[:len(segs)-1]
	}
	if len(segs) > 1 && segs[len(segs)-1] == strconv.Itoa(year) {
		segs = segs[:len(segs)-1]
	}
	if edition > 0 && len(segs) > 1 && segs[len(segs)-1] == strconv.Itoa(edition) {
		segs = segs[:len(segs)-1]
	}
	return keys.JoinSegments(segs)
}

// Next returns the code the next certificate in the scope would receive.
// It writes nothing, so two callers can observe the same value.
func (a *Allocator) Next(ctx context.Context, basePrefix string, year, edition int) (string, error) {
	prefix, err := ScopePrefix(basePrefix, year, edition)
	if err != nil {
		return "", err
	}

	highest, err := a.highest(ctx, prefix)
	if err != nil {
		return "", err
	}
	return Format(prefix, highest+1), nil
}

// Format renders a counter with a minimum width of two digits.
func Format(prefix string, n int) string {
	return fmt.Sprintf("%s%02d", prefix, n)
}

// highest scans issued certificates and outstanding claims for the largest
// counter under prefix. Codes whose tail is not numeric are skipped.
func (a *Allocator) highest(ctx context.Context, prefix string) (int, error) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)$`)
	upper := prefix + rangeSentinel

	sources := []struct {
		collection string
		field      string
	}{
		{records.CollectionCertificates, records.FieldCertificateCode},
		{records.CollectionCertificateCodes, records.FieldCode},
	}

	highest := 0
	for _, src := range sources {
		docs, err := a.store.RangeQuery(ctx, src.collection, src.field, prefix, upper)
		if err != nil {
			return 0, fmt.Errorf("scan %s codes under %s: %w", src.collection, prefix, err)
		}
		for _, doc := range docs {
			m := pattern.FindStringSubmatch(strings.TrimSpace(records.String(doc, src.field)))
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if n > highest {
				highest = n
			}
		}
	}
	return highest, nil
}

// Reserve claims the next code in the scope for certificateID.
//
// A claim that collides with another claim, or with a certificate written
// without one, is abandoned and the scan starts over. After maxAttempts
// collisions Reserve returns an error wrapping ErrConcurrentAllocation.
func (a *Allocator) Reserve(ctx context.Context, basePrefix string, year, edition int, certificateID string) (string, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		code, err := a.Next(ctx, basePrefix, year, edition)
		if err != nil {
			return "", err
		}

		claim := store.Document{
			records.FieldCode:          code,
			records.FieldCertificateID: certificateID,
			records.FieldCreatedAt:     records.FormatTime(a.now()),
		}
		err = a.store.InsertIfAbsent(ctx, records.CollectionCertificateCodes, code, claim)
		if errors.Is(err, store.ErrConflict) {
			a.collided(code, attempt)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("claim certificate code %s: %w", code, err)
		}

		taken, err := a.store.Query(ctx, records.CollectionCertificates, records.FieldCertificateCode, store.OpEqual, code)
		if err != nil {
			a.release(ctx, code)
			return "", fmt.Errorf("verify certificate code %s: %w", code, err)
		}
		if len(taken) > 0 {
			a.release(ctx, code)
			a.collided(code, attempt)
			continue
		}

		return code, nil
	}

	prefix, _ := ScopePrefix(basePrefix, year, edition)
	return "", fmt.Errorf("%w: certificate code under %s after %d attempts", ErrConcurrentAllocation, prefix, a.maxAttempts)
}

// Release drops the claim on code. Used when the certificate insert that
// followed Reserve failed.
func (a *Allocator) Release(ctx context.Context, code string) error {
	err := a.store.Delete(ctx, records.CollectionCertificateCodes, code)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("release certificate code %s: %w", code, err)
	}
	return nil
}

func (a *Allocator) release(ctx context.Context, code string) {
	if err := a.Release(ctx, code); err != nil {
		a.logger.Warn("release certificate code", "code", code, "error", err)
	}
}

func (a *Allocator) collided(code string, attempt int) {
	a.metrics.AllocationRetried()
	a.logger.Info("certificate code collision", "code", code, "attempt", attempt, "max_attempts", a.maxAttempts)
}
