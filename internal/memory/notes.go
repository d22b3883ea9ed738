package memory

import (
	"regexp"
	"strings"
)

// ScopeMain is the scope daily-note entries belong to when they carry no
// scope declaration. Files written before scoping existed parse as main.
const ScopeMain = "main"

// NoteEntry is one fenced entry of a daily-note file.
type NoteEntry struct {
	Time   string // HH:MM, empty when the entry has no metadata line
	Source string
	Scope  string
	Body   string // full entry text including the metadata line
}

var entryMetaRe = regexp.MustCompile(`^\[(\d{2}:\d{2})\]\s*\(source:\s*([^,)]+?)\s*(?:,\s*scope:\s*([^)]+?)\s*)?\)`)

// ParseEntries splits a daily-note file into entries. Entries are separated
// by lines containing only `---`; each entry's first line is expected to be
// `[HH:MM] (source: X, scope: Y)` but prose without metadata still parses,
// defaulting to the main scope.
func ParseEntries(content string) []NoteEntry {
	var entries []NoteEntry
	for _, block := range splitFenced(content) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		entry := NoteEntry{Scope: ScopeMain, Body: block}
		firstLine := block
		if i := strings.IndexByte(block, '\n'); i >= 0 {
			firstLine = block[:i]
		}
		if m := entryMetaRe.FindStringSubmatch(firstLine); m != nil {
			entry.Time = m[1]
			entry.Source = strings.TrimSpace(m[2])
			if m[3] != "" {
				entry.Scope = strings.TrimSpace(m[3])
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Text returns the entry body with the metadata line stripped. Index
// rows store this, not the raw block: timestamps and source tags would
// only pollute the search vector.
func (e NoteEntry) Text() string {
	if e.Time == "" {
		return e.Body
	}
	if i := strings.IndexByte(e.Body, '\n'); i >= 0 {
		return strings.TrimSpace(e.Body[i+1:])
	}
	return ""
}

// FilterScope keeps the entries declared for scopeKey.
func FilterScope(entries []NoteEntry, scopeKey string) []NoteEntry {
	var out []NoteEntry
	for _, e := range entries {
		if e.Scope == scopeKey {
			out = append(out, e)
		}
	}
	return out
}

// splitFenced splits on lines that are exactly `---`, the entry separator
// the writer emits.
func splitFenced(content string) []string {
	var blocks []string
	var current []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "---" {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = current[:0]
			continue
		}
		current = append(current, line)
	}
	blocks = append(blocks, strings.Join(current, "\n"))
	return blocks
}
