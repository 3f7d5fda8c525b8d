package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NotebookRead returns the content of a markdown file under root. The path
// is checked lexically before any file system access and again after
// symlinks are resolved; either check failing yields ErrPathOutsideRoot.
func NotebookRead(root, rel string, opts ReadOptions) (ReadResult, error) {
	clean, err := normalizeRel(rel)
	if err != nil {
		return ReadResult{}, err
	}
	if !isMarkdown(clean) {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrNotMarkdown, clean)
	}
	if opts.StartLine < 0 || opts.Lines < 0 {
		return ReadResult{}, errors.New("start line and line count must not be negative")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ReadResult{}, fmt.Errorf("failed to resolve notebook root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return ReadResult{}, fmt.Errorf("failed to resolve notebook root: %w", err)
	}

	target, err := filepath.EvalSymlinks(filepath.Join(absRoot, filepath.FromSlash(clean)))
	if err != nil {
		return ReadResult{}, fmt.Errorf("failed to open %s: %w", clean, err)
	}
	inside, err := filepath.Rel(realRoot, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrPathOutsideRoot, clean)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return ReadResult{}, fmt.Errorf("failed to read %s: %w", clean, err)
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
	}
	total := len(lines)

	start := opts.StartLine
	if start == 0 {
		start = 1
	}
	result := ReadResult{Path: clean, StartLine: start, TotalLines: total}
	if start > total {
		result.EndLine = start - 1
		return result, nil
	}

	end := total
	if opts.Lines > 0 && start+opts.Lines-1 < total {
		end = start + opts.Lines - 1
	}
	result.Content = strings.Join(lines[start-1:end], "\n")
	result.EndLine = end
	return result, nil
}
