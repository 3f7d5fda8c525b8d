package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotebookRead_LineWindow(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "lists/todo.md", "one\r\ntwo\r\nthree\r\nfour\r\n")

	tests := []struct {
		name      string
		opts      ReadOptions
		content   string
		startLine int
		endLine   int
	}{
		{name: "whole file", opts: ReadOptions{}, content: "one\ntwo\nthree\nfour", startLine: 1, endLine: 4},
		{name: "from line", opts: ReadOptions{StartLine: 3}, content: "three\nfour", startLine: 3, endLine: 4},
		{name: "window", opts: ReadOptions{StartLine: 2, Lines: 2}, content: "two\nthree", startLine: 2, endLine: 3},
		{name: "window past end", opts: ReadOptions{StartLine: 4, Lines: 10}, content: "four", startLine: 4, endLine: 4},
		{name: "start past end", opts: ReadOptions{StartLine: 9}, content: "", startLine: 9, endLine: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NotebookRead(root, "lists/todo.md", tt.opts)
			require.NoError(t, err)
			assert.Equal(t, "lists/todo.md", res.Path)
			assert.Equal(t, tt.content, res.Content)
			assert.Equal(t, tt.startLine, res.StartLine)
			assert.Equal(t, tt.endLine, res.EndLine)
			assert.Equal(t, 4, res.TotalLines)
		})
	}
}

func TestNotebookRead_EmptyFile(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "empty.md", "")

	res, err := NotebookRead(root, "empty.md", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "", res.Content)
	assert.Zero(t, res.TotalLines)
}

func TestNotebookRead_RejectsPathsOutsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "notebook")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeNote(t, parent, "secret.md", "do not read")

	for _, rel := range []string{"../secret.md", "lists/../../secret.md", filepath.Join(parent, "secret.md")} {
		_, err := NotebookRead(root, rel, ReadOptions{})
		assert.ErrorIs(t, err, ErrPathOutsideRoot, rel)
	}
}

func TestNotebookRead_RejectsSymlinkEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "notebook")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeNote(t, parent, "secret.md", "do not read")

	if err := os.Symlink(filepath.Join(parent, "secret.md"), filepath.Join(root, "link.md")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := NotebookRead(root, "link.md", ReadOptions{})
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestNotebookRead_FollowsSymlinkInsideRoot(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "real.md", "inside")

	if err := os.Symlink(filepath.Join(root, "real.md"), filepath.Join(root, "alias.md")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res, err := NotebookRead(root, "alias.md", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inside", res.Content)
}

func TestNotebookRead_InvalidRequests(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "notes.txt", "plain")
	writeNote(t, root, "a.md", "x")

	_, err := NotebookRead(root, "notes.txt", ReadOptions{})
	assert.ErrorIs(t, err, ErrNotMarkdown)

	_, err = NotebookRead(root, "missing.md", ReadOptions{})
	assert.Error(t, err)

	_, err = NotebookRead(root, "a.md", ReadOptions{StartLine: -1})
	assert.Error(t, err)

	_, err = NotebookRead(root, "a.md", ReadOptions{Lines: -2})
	assert.Error(t, err)
}
