// Package folder provisions a storage folder per course.
package folder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JonMunkholm/certledger/internal/keys"
)

// Provisioner ensures a storage folder exists for a course and returns an
// opaque reference to it. Ensure must be idempotent.
type Provisioner interface {
	Ensure(ctx context.Context, courseID, courseName string, year int) (string, error)
}

// Noop never provisions anything. An empty reference tells callers there
// is nothing to record.
type Noop struct{}

func (Noop) Ensure(context.Context, string, string, int) (string, error) {
	return "", nil
}

// LocalProvisioner creates ROOT/YEAR/COURSEID - course name on the local
// filesystem. The reference it returns is the path relative to ROOT.
type LocalProvisioner struct {
	root string
}

// NewLocal returns a LocalProvisioner rooted at root.
func NewLocal(root string) (*LocalProvisioner, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("folder root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve folder root: %w", err)
	}
	return &LocalProvisioner{root: abs}, nil
}

func (p *LocalProvisioner) Ensure(ctx context.Context, courseID, courseName string, year int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(courseID) == "" {
		return "", errors.New("course id is required")
	}

	ref := filepath.Join(strconv.Itoa(year), folderName(courseID, courseName))
	if err := os.MkdirAll(filepath.Join(p.root, ref), 0755); err != nil {
		return "", fmt.Errorf("create folder for %s: %w", courseID, err)
	}
	return filepath.ToSlash(ref), nil
}

// folderName keeps the course id verbatim and reduces the name to
// characters safe on every filesystem.
func folderName(courseID, courseName string) string {
	id := strings.Map(safeRune, strings.TrimSpace(courseID))
	name := keys.Normalize(keys.StripAccents(courseName))
	if name == "" {
		return id
	}
	return id + " - " + name
}

func safeRune(r rune) rune {
	switch r {
	case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
		return '_'
	}
	return r
}
