// Package artifacts writes agent-produced documents into a project tree.
// Every write is confined to the caller-supplied project root; the artifact
// type picks the directory unless the caller overrides the location.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// typeDirs maps artifact types to directories under the project root.
var typeDirs = map[string]string{
	"api":           "docs/api",
	"design":        "docs/design",
	"documentation": "docs",
	"specification": "docs/specs",
}

// fallbackDir receives artifacts of unrecognized type.
const fallbackDir = "docs/artifacts"

// Request describes one artifact write.
type Request struct {
	ProjectRoot string
	Filename    string
	Content     string
	Type        string
	Location    string // optional directory override, relative to ProjectRoot
}

// Write stores the artifact and returns the absolute path written.
func Write(req Request) (string, error) {
	if req.ProjectRoot == "" || !filepath.IsAbs(req.ProjectRoot) {
		return "", fmt.Errorf("project_root must be an absolute path, got %q", req.ProjectRoot)
	}
	if req.Filename == "" {
		return "", fmt.Errorf("filename is required")
	}

	dir := req.Location
	if dir == "" {
		var ok bool
		dir, ok = typeDirs[req.Type]
		if !ok {
			dir = fallbackDir
		}
	}

	root, err := filepath.Abs(req.ProjectRoot)
	if err != nil {
		return "", fmt.Errorf("invalid project_root: %w", err)
	}
	path := filepath.Join(root, dir, req.Filename)
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %q resolves outside project root %q",
			filepath.Join(dir, req.Filename), root)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// DirFor returns the directory an artifact type maps to, relative to the
// project root.
func DirFor(artifactType string) string {
	if dir, ok := typeDirs[artifactType]; ok {
		return dir
	}
	return fallbackDir
}
