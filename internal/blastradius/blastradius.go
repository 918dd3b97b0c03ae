// Package blastradius measures how much of the working tree a mutation
// touched and checks that footprint against gene and source-tree limits.
package blastradius

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// Differ is the version-control surface the calculator needs.
type Differ interface {
	Diff(ctx context.Context, staged bool) (string, error)
	UntrackedFiles() ([]string, error)
	Root() string
}

// Calculator derives a BlastRadius from the live working tree: staged and
// unstaged diffs plus untracked files created since the recorded baseline.
type Calculator struct {
	logger *zap.Logger
	git    Differ
}

// NewCalculator builds a calculator over the given version-control client.
func NewCalculator(logger *zap.Logger, git Differ) *Calculator {
	return &Calculator{logger: logger.Named("blastradius"), git: git}
}

// Compute parses both pending diffs and folds in untracked files that are
// not part of the baseline. Untracked files count with their full line
// count, since every line is new.
func (c *Calculator) Compute(ctx context.Context, untrackedBaseline []string) (schemas.BlastRadius, error) {
	files := make(map[string]struct{})
	lines := 0

	for _, staged := range []bool{false, true} {
		patch, err := c.git.Diff(ctx, staged)
		if err != nil {
			return schemas.BlastRadius{}, fmt.Errorf("read diff (staged=%v): %w", staged, err)
		}
		fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
		if err != nil {
			return schemas.BlastRadius{}, fmt.Errorf("parse diff (staged=%v): %w", staged, err)
		}
		for _, fd := range fileDiffs {
			name := diffFileName(fd)
			if name == "" {
				continue
			}
			files[name] = struct{}{}
			added, removed := hunkStats(fd)
			lines += added + removed
		}
	}

	baseline := make(map[string]struct{}, len(untrackedBaseline))
	for _, path := range untrackedBaseline {
		baseline[filepath.ToSlash(path)] = struct{}{}
	}

	untracked, err := c.git.UntrackedFiles()
	if err != nil {
		return schemas.BlastRadius{}, fmt.Errorf("list untracked files: %w", err)
	}
	for _, path := range untracked {
		if _, ok := baseline[filepath.ToSlash(path)]; ok {
			continue
		}
		files[path] = struct{}{}
		lines += c.countFileLines(path)
	}

	changed := make([]string, 0, len(files))
	for name := range files {
		changed = append(changed, name)
	}
	sort.Strings(changed)

	radius := schemas.BlastRadius{Files: len(changed), Lines: lines, ChangedFiles: changed}
	c.logger.Debug("Blast radius computed.",
		zap.Int("files", radius.Files),
		zap.Int("lines", radius.Lines))
	return radius, nil
}

// diffFileName resolves a FileDiff to a repo-relative path, preferring the
// post-image name and stripping git's a/ b/ prefixes.
func diffFileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if name == "" || name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// hunkStats counts added and removed lines across all hunks of one file.
func hunkStats(fd *diff.FileDiff) (added, removed int) {
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				added++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				removed++
			}
		}
	}
	return added, removed
}

func (c *Calculator) countFileLines(rel string) int {
	data, err := os.ReadFile(filepath.Join(c.git.Root(), filepath.FromSlash(rel)))
	if err != nil {
		c.logger.Warn("Failed to read untracked file for line count.", zap.String("path", rel), zap.Error(err))
		return 0
	}
	count := bytes.Count(data, []byte("\n"))
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		count++
	}
	return count
}

// CheckGeneConstraints returns one violation string per gene constraint the
// radius breaks. A zero MaxFiles means unlimited.
func CheckGeneConstraints(radius schemas.BlastRadius, constraints schemas.GeneConstraints) []string {
	var violations []string

	if constraints.MaxFiles > 0 && radius.Files > constraints.MaxFiles {
		violations = append(violations, fmt.Sprintf("blast radius spans %d files, gene allows %d", radius.Files, constraints.MaxFiles))
	}
	for _, forbidden := range constraints.ForbiddenPaths {
		for _, file := range radius.ChangedFiles {
			if underPath(file, forbidden) {
				violations = append(violations, fmt.Sprintf("forbidden path %s touched by %s", forbidden, file))
			}
		}
	}
	return violations
}

// ScanConflictMarkers reports changed files that still carry an unresolved
// merge conflict. A lone ======= ruler does not count; the file must open a
// conflict with <<<<<<< and close it with >>>>>>>. Files the radius lists but
// the tree no longer has (deletions) are skipped.
func ScanConflictMarkers(root string, files []string) []string {
	var violations []string
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		if line := conflictMarkerLine(data); line > 0 {
			violations = append(violations, fmt.Sprintf("%s carries an unresolved conflict marker at line %d", rel, line))
		}
	}
	return violations
}

// conflictMarkerLine returns the 1-based line opening the first complete
// conflict block, or 0 when none exists.
func conflictMarkerLine(data []byte) int {
	open := 0
	for i, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "<<<<<<< "):
			if open == 0 {
				open = i + 1
			}
		case strings.HasPrefix(line, ">>>>>>> "):
			if open > 0 {
				return open
			}
		}
	}
	return 0
}

// Path segments owned by version control or the dependency manager; a
// mutation has no business inside them.
var protectedSegments = []string{".git", "node_modules", "vendor"}

// SourcePolicy holds the source-of-truth change limits. The check only
// applies once at least one changed file lies under Roots.
type SourcePolicy struct {
	Roots    []string
	MaxFiles int
	MaxLines int
}

// PolicyFromConfig builds the source policy from workspace configuration,
// falling back to the stock limits.
func PolicyFromConfig(cfg config.WorkspaceConfig) SourcePolicy {
	p := SourcePolicy{Roots: cfg.SourcePaths, MaxFiles: cfg.SourceMaxFiles, MaxLines: cfg.SourceMaxLines}
	if p.MaxFiles <= 0 {
		p.MaxFiles = 3
	}
	if p.MaxLines <= 0 {
		p.MaxLines = 100
	}
	return p
}

// Touches reports whether any changed file lies under the source tree.
func (p SourcePolicy) Touches(radius schemas.BlastRadius) bool {
	for _, file := range radius.ChangedFiles {
		if p.inSourceTree(file) {
			return true
		}
	}
	return false
}

// Check applies the source-change constraints. Checked stays false when the
// radius never enters the source tree.
func (p SourcePolicy) Check(radius schemas.BlastRadius) schemas.ConstraintCheck {
	if !p.Touches(radius) {
		return schemas.ConstraintCheck{}
	}

	check := schemas.ConstraintCheck{Checked: true}
	if radius.Files > p.MaxFiles {
		check.Violations = append(check.Violations, fmt.Sprintf("source change spans %d files, limit is %d", radius.Files, p.MaxFiles))
	}
	if radius.Lines > p.MaxLines {
		check.Violations = append(check.Violations, fmt.Sprintf("source change spans %d lines, limit is %d", radius.Lines, p.MaxLines))
	}
	for _, file := range radius.ChangedFiles {
		if seg := protectedSegment(file); seg != "" {
			check.Violations = append(check.Violations, fmt.Sprintf("%s touches protected area %s", file, seg))
			continue
		}
		if !p.inSourceTree(file) {
			check.Violations = append(check.Violations, fmt.Sprintf("%s lies outside the source tree", file))
		}
	}
	return check
}

func (p SourcePolicy) inSourceTree(file string) bool {
	for _, root := range p.Roots {
		if underPath(file, root) {
			return true
		}
	}
	return false
}

// underPath reports whether file equals prefix or sits inside it as a
// directory, using slash-normalized repo-relative paths.
func underPath(file, prefix string) bool {
	file = filepath.ToSlash(file)
	prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return false
	}
	return file == prefix || strings.HasPrefix(file, prefix+"/")
}

func protectedSegment(file string) string {
	for _, seg := range strings.Split(filepath.ToSlash(file), "/") {
		for _, protected := range protectedSegments {
			if seg == protected {
				return protected
			}
		}
	}
	return ""
}
