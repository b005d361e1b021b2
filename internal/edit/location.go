// ABOUTME: Edit locations and reference discovery over loaded buffers.
// ABOUTME: The pattern scanner stands in for an editor's find-references query.

package edit

import "strings"

// Location identifies one edit target: an owning buffer and the inclusive
// 1-based line span believed to be the smallest safe replace unit
// (conventionally a single full line). A location is discovered once,
// consumed by at most one replace, and never mutated.
type Location struct {
	Buffer    *Buffer
	Path      string
	StartLine int
	EndLine   int
}

// Finder discovers edit locations for a semantic operation.
type Finder interface {
	FindReferences(pattern string, buffers []*Buffer) []Location
}

// PatternFinder locates every line containing a literal pattern. Locations
// are returned in buffer order, ascending by line.
type PatternFinder struct{}

// FindReferences scans the buffers for lines containing pattern.
func (PatternFinder) FindReferences(pattern string, buffers []*Buffer) []Location {
	var locs []Location
	for _, buf := range buffers {
		for i, line := range buf.Lines {
			if strings.Contains(line, pattern) {
				locs = append(locs, Location{
					Buffer:    buf,
					Path:      buf.Path,
					StartLine: i + 1,
					EndLine:   i + 1,
				})
			}
		}
	}
	return locs
}
