package training

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
)

// RunContext carries the identity and output location of one training run.
// Nothing about a run's paths lives in package state.
type RunContext struct {
	ID        uuid.UUID
	Name      string
	OutputDir string
	Started   time.Time
	Tags      map[string]string
}

// NewRunContext reserves a fresh output directory <modelDir>/<name>,
// suffixed with the next free number when it already exists.
func NewRunContext(modelDir, name string) (*RunContext, error) {
	dir, err := IncrementPath(filepath.Join(modelDir, name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create run directory %s", dir)
	}
	return &RunContext{
		ID:        uuid.New(),
		Name:      filepath.Base(dir),
		OutputDir: dir,
		Started:   time.Now(),
		Tags:      map[string]string{},
	}, nil
}

// IncrementPath returns path if nothing exists there, otherwise path
// followed by one more than the largest numeric suffix already in use
// (exp, exp2, exp3, ...).
func IncrementPath(path string) (string, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}

	matches, err := filepath.Glob(globEscape(path) + "*")
	if err != nil {
		return "", errors.Wrapf(err, "glob %s", path)
	}
	suffix := regexp.MustCompile("^" + regexp.QuoteMeta(filepath.Base(path)) + `(\d+)$`)
	n := 1
	for _, m := range matches {
		sub := suffix.FindStringSubmatch(filepath.Base(m))
		if sub == nil {
			continue
		}
		if i, err := strconv.Atoi(sub[1]); err == nil && i > n {
			n = i
		}
	}
	return fmt.Sprintf("%s%d", path, n+1), nil
}

func globEscape(path string) string {
	return regexp.MustCompile(`[\\*?\[]`).ReplaceAllString(path, `\$0`)
}

// CheckpointDir returns <OutputDir>/<arch>/<arch>_<optimizer>.
func (r *RunContext) CheckpointDir(arch, optimizer string) string {
	return checkpoints.Path(r.OutputDir, arch, optimizer)
}

// Fold returns the sub-run of cross-validation fold k. It shares the run
// ID and writes under <OutputDir>/fold<k>.
func (r *RunContext) Fold(k int) *RunContext {
	tags := make(map[string]string, len(r.Tags)+1)
	for key, v := range r.Tags {
		tags[key] = v
	}
	tags["fold"] = strconv.Itoa(k)
	return &RunContext{
		ID:        r.ID,
		Name:      fmt.Sprintf("%s/fold%d", r.Name, k),
		OutputDir: filepath.Join(r.OutputDir, fmt.Sprintf("fold%d", k)),
		Started:   time.Now(),
		Tags:      tags,
	}
}
