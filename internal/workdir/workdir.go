// Package workdir allocates the unique working directory of one task
// invocation and normalizes mount-prefixed paths.
package workdir

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dominiquefastus/mxproc/internal/config"
)

const (
	suffixChars  = "abcdefghijklmnopqrstuvwxyz0123456789_"
	suffixLength = 8
	maxNumbered  = 1000
)

var ErrInvalidSuffix = errors.New("invalid working directory suffix")

var suffixRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateSuffix rejects suffixes that could escape the parent directory:
// path separators, "..", overlong or empty values.
func ValidateSuffix(s string) error {
	if strings.Contains(s, "..") {
		return fmt.Errorf("suffix contains '..': %w", ErrInvalidSuffix)
	}
	if !suffixRe.MatchString(s) {
		return fmt.Errorf("suffix %q: %w", s, ErrInvalidSuffix)
	}
	return nil
}

// Allocator creates fresh, uniquely named working directories under Parent.
type Allocator struct {
	Parent string
	Perm   os.FileMode
}

func (a Allocator) perm() os.FileMode {
	if a.Perm == 0 {
		return 0o775
	}
	return a.Perm
}

// Allocate creates a new directory named after the task type.
//
// Without a suffix the name carries a random 8-character tail; uniqueness
// comes from os.Mkdir failing on an existing path, retried with fresh
// entropy. With a suffix the name is deterministic, and collisions get a
// numeric "_01", "_02", ... tail so reruns line up side by side.
func (a Allocator) Allocate(taskType, suffix string) (string, error) {
	parent := a.Parent
	if parent == "" {
		var err error
		if parent, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(parent, a.perm()); err != nil {
		return "", err
	}
	if suffix == "" {
		return a.allocateRandom(parent, taskType)
	}
	if err := ValidateSuffix(suffix); err != nil {
		return "", err
	}
	return a.allocateNumbered(parent, taskType+"_"+suffix)
}

func (a Allocator) allocateRandom(parent, taskType string) (string, error) {
	for {
		b := make([]byte, suffixLength)
		for i := range b {
			b[i] = suffixChars[rand.Intn(len(suffixChars))]
		}
		dir := filepath.Join(parent, taskType+"_"+string(b))
		err := os.Mkdir(dir, a.perm())
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
}

func (a Allocator) allocateNumbered(parent, base string) (string, error) {
	dir := filepath.Join(parent, base)
	if err := os.Mkdir(dir, a.perm()); err == nil {
		return dir, nil
	} else if !errors.Is(err, os.ErrExist) {
		return "", err
	}
	for i := 1; i < maxNumbered; i++ {
		dir := filepath.Join(parent, fmt.Sprintf("%s_%02d", base, i))
		err := os.Mkdir(dir, a.perm())
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free numbered directory for %s under %s", base, parent)
}

// RemoveIfEmpty deletes dir when it holds no entries. A clean no-output run
// leaves no directory behind.
func RemoveIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 0 {
		return nil
	}
	return os.Remove(dir)
}

// NormalizeMountPrefix rewrites path using the first matching entry of the
// mount-prefix table. Paths outside every prefix pass through unchanged.
func NormalizeMountPrefix(path string, table []config.MountPrefix) string {
	for _, m := range table {
		if m.Prefix == "" {
			continue
		}
		if path == m.Prefix {
			return m.Replacement
		}
		if strings.HasPrefix(path, m.Prefix+string(os.PathSeparator)) {
			return m.Replacement + path[len(m.Prefix):]
		}
	}
	return path
}
