// ABOUTME: Tests for line-span replacement and file-backed buffer persistence.

package edit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReplace(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		lines      []string
		want       []string
		wantErr    bool
	}{
		{
			name:  "single line swap",
			start: 2, end: 2,
			lines: []string{"B'"},
			want:  []string{"a", "B'", "c", "d"},
		},
		{
			name:  "growing replacement",
			start: 2, end: 2,
			lines: []string{"x", "y", "z"},
			want:  []string{"a", "x", "y", "z", "c", "d"},
		},
		{
			name:  "shrinking replacement",
			start: 1, end: 3,
			lines: []string{"only"},
			want:  []string{"only", "d"},
		},
		{
			name:  "delete span",
			start: 2, end: 3,
			lines: nil,
			want:  []string{"a", "d"},
		},
		{
			name:  "whole buffer",
			start: 1, end: 4,
			lines: []string{"new"},
			want:  []string{"new"},
		},
		{
			name:  "start below one",
			start: 0, end: 1,
			lines:   []string{"x"},
			wantErr: true,
		},
		{
			name:  "end before start",
			start: 3, end: 2,
			lines:   []string{"x"},
			wantErr: true,
		},
		{
			name:  "end past buffer",
			start: 2, end: 5,
			lines:   []string{"x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &Buffer{Path: "f.txt", Lines: []string{"a", "b", "c", "d"}}
			err := buf.Replace(tt.start, tt.end, tt.lines)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, []string{"a", "b", "c", "d"}, buf.Lines, "failed replace must not mutate")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.Lines)
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	store := FileStore{}
	buf, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, buf.Lines)

	require.NoError(t, buf.Replace(2, 2, []string{"TWO", "two-and-a-half"}))
	require.NoError(t, store.Save(buf))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\ntwo-and-a-half\nthree\n", string(data))
}

func TestFileStoreLoadMissing(t *testing.T) {
	_, err := FileStore{}.Load(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}

func TestPatternFinder(t *testing.T) {
	bufA := &Buffer{Path: "a.go", Lines: []string{"x := old()", "y := 2", "z := old()"}}
	bufB := &Buffer{Path: "b.go", Lines: []string{"no match", "w := old()"}}

	locs := PatternFinder{}.FindReferences("old()", []*Buffer{bufA, bufB})
	require.Len(t, locs, 3)

	assert.Equal(t, "a.go", locs[0].Path)
	assert.Equal(t, 1, locs[0].StartLine)
	assert.Equal(t, "a.go", locs[1].Path)
	assert.Equal(t, 3, locs[1].StartLine)
	assert.Equal(t, "b.go", locs[2].Path)
	assert.Equal(t, 2, locs[2].StartLine)
	for _, loc := range locs {
		assert.Equal(t, loc.StartLine, loc.EndLine, "single-line locations")
	}
}

func TestPatternFinderNoMatches(t *testing.T) {
	buf := &Buffer{Path: "a.go", Lines: []string{"nothing here"}}
	locs := PatternFinder{}.FindReferences("absent", []*Buffer{buf})
	assert.Empty(t, locs)
}
