package workspace

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// seedFiles lists the templates seeded into a fresh workspace, in order.
var seedFiles = []string{
	AgentsFile,
	UserFile,
	SoulFile,
	IdentityFile,
	ToolsFile,
	MemoryFile,
}

// ReadTemplate returns the content of an embedded template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Ensure creates the workspace directory tree and seeds any missing anchor
// files from the embedded templates. Existing files are never overwritten.
// Returns the list of files that were created.
func (w *Workspace) Ensure() ([]string, error) {
	for _, dir := range []string{w.root, w.MemoryDir(), w.MediaDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	var created []string
	for _, name := range seedFiles {
		ok, err := w.seedTemplate(name)
		if err != nil {
			slog.Warn("workspace: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if the target does not exist. O_EXCL
// keeps two workers racing on first start from clobbering each other.
func (w *Workspace) seedTemplate(name string) (bool, error) {
	f, err := os.OpenFile(w.PathFor(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(w.PathFor(name))
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
