// ABOUTME: In-memory line buffer for a source file plus file-backed persistence.
// ABOUTME: Span replacement is 1-based and inclusive, mirroring editor line addressing.

package edit

import (
	"fmt"
	"os"
	"strings"
)

// Buffer holds the lines of one source file. Dirty marks it as changed and
// not yet persisted.
type Buffer struct {
	Path  string
	Lines []string
	Dirty bool
}

// Replace substitutes the inclusive 1-based line span [start, end] with the
// given lines. The replacement may grow or shrink the buffer.
func (b *Buffer) Replace(start, end int, lines []string) error {
	if start < 1 || end < start || end > len(b.Lines) {
		return fmt.Errorf("invalid span %d-%d for buffer of %d lines", start, end, len(b.Lines))
	}
	out := make([]string, 0, len(b.Lines)-(end-start+1)+len(lines))
	out = append(out, b.Lines[:start-1]...)
	out = append(out, lines...)
	out = append(out, b.Lines[end:]...)
	b.Lines = out
	return nil
}

// Store loads and persists buffers.
type Store interface {
	Load(path string) (*Buffer, error)
	Save(b *Buffer) error
}

// FileStore is the filesystem-backed Store.
type FileStore struct{}

// Load reads a file into a Buffer. A trailing newline is not kept as an
// empty final line; Save restores it.
func (FileStore) Load(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	return &Buffer{Path: path, Lines: strings.Split(text, "\n")}, nil
}

// Save writes the buffer back to its path with a trailing newline.
func (FileStore) Save(b *Buffer) error {
	content := strings.Join(b.Lines, "\n") + "\n"
	if err := os.WriteFile(b.Path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", b.Path, err)
	}
	return nil
}
