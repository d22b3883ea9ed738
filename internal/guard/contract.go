package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/neomagi/neomagi/internal/workspace"
)

// Contract is the safety contract derived from the workspace anchor files.
// Immutable once built; a new file hash produces a new Contract.
type Contract struct {
	Anchors     []string
	Constraints []string
	SourceHash  string
}

var boldItemRe = regexp.MustCompile(`^\s*[-*]\s+\*\*([^*]+)\*\*:?\s*(.*)$`)

// loadContract reads the anchor files and extracts the contract. Missing
// files contribute nothing; an empty workspace yields an empty contract.
func loadContract(ws *workspace.Workspace) (*Contract, error) {
	h := sha256.New()
	c := &Contract{}
	seen := make(map[string]bool)

	for _, name := range workspace.AnchorFiles {
		content, err := ws.LoadFile(name)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(content))

		parseAnchors(content, c, seen)
	}

	c.SourceHash = hex.EncodeToString(h.Sum(nil))
	return c, nil
}

// parseAnchors extracts first-level headings and bold-labeled list items.
// The heading or bold label becomes an anchor phrase; the full text of a
// bold item becomes a constraint.
func parseAnchors(content string, c *Contract, seen map[string]bool) {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "# ") {
			addAnchor(c, seen, strings.TrimSpace(line[2:]))
			continue
		}
		if m := boldItemRe.FindStringSubmatch(line); m != nil {
			label := strings.TrimSpace(m[1])
			addAnchor(c, seen, label)
			text := label
			if rest := strings.TrimSpace(m[2]); rest != "" {
				text += ": " + rest
			}
			c.Constraints = append(c.Constraints, text)
		}
	}
}

func addAnchor(c *Contract, seen map[string]bool, anchor string) {
	if anchor == "" || seen[anchor] {
		return
	}
	seen[anchor] = true
	c.Anchors = append(c.Anchors, anchor)
}

// sourceHash computes the current hash of the anchor files without parsing,
// used to decide whether a cached contract is stale.
func sourceHash(ws *workspace.Workspace) (string, error) {
	h := sha256.New()
	for _, name := range workspace.AnchorFiles {
		content, err := ws.LoadFile(name)
		if err != nil {
			return "", err
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(content))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
