package chapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reelsmith/internal/services"
)

// File and directory names inside a chapter directory.
const (
	ManifestFile  = "manifest.json"
	NarrationFile = "narration.txt"
	CaptionsFile  = "captions.ass"
	RunFile       = "pipeline_run.json"
	ImagesDir     = "images"
	AudioDir      = "audio"
	VideoDir      = "video"
	BuildDir      = "build"
	lockFile      = ".manifest.lock"
)

// Layout resolves chapter paths under a chapters root.
type Layout struct {
	root string
}

// NewLayout returns a layout rooted at chaptersDir.
func NewLayout(chaptersDir string) Layout {
	return Layout{root: chaptersDir}
}

// Root returns the chapters root directory.
func (l Layout) Root() string { return l.root }

// ValidateID rejects identifiers that would escape the chapters root.
func ValidateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return services.Wrap(services.ErrValidation, "chapter", "validate", "chapter id is required", nil)
	}
	if trimmed != id || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return services.Wrap(services.ErrValidation, "chapter", "validate", fmt.Sprintf("invalid chapter id %q", id), nil)
	}
	return nil
}

// Dir returns the chapter directory.
func (l Layout) Dir(id string) string { return filepath.Join(l.root, id) }

// ManifestPath returns the manifest location.
func (l Layout) ManifestPath(id string) string { return filepath.Join(l.Dir(id), ManifestFile) }

// NarrationPath returns the narration text location.
func (l Layout) NarrationPath(id string) string { return filepath.Join(l.Dir(id), NarrationFile) }

// CaptionsPath returns the rendered subtitle track location.
func (l Layout) CaptionsPath(id string) string { return filepath.Join(l.Dir(id), CaptionsFile) }

// RunPath returns the persisted pipeline run location.
func (l Layout) RunPath(id string) string { return filepath.Join(l.Dir(id), RunFile) }

// BuildDir returns the directory holding intermediate stage outputs.
func (l Layout) BuildDir(id string) string { return filepath.Join(l.Dir(id), BuildDir) }

// AssetDir returns the directory holding assets of the given kind.
func (l Layout) AssetDir(id string, kind AssetKind) string {
	switch kind {
	case KindAudio:
		return filepath.Join(l.Dir(id), AudioDir)
	case KindVideo:
		return filepath.Join(l.Dir(id), VideoDir)
	default:
		return filepath.Join(l.Dir(id), ImagesDir)
	}
}

// FinalPath returns where the finished short for the chapter is written.
func (l Layout) FinalPath(id string) string {
	return filepath.Join(l.Dir(id), id+".mp4")
}

// Ensure creates the chapter directory tree.
func (l Layout) Ensure(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	for _, dir := range []string{
		l.Dir(id),
		l.AssetDir(id, KindImage),
		l.AssetDir(id, KindAudio),
		l.AssetDir(id, KindVideo),
		l.BuildDir(id),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ChapterOf returns the chapter id owning path, or "" when path is outside
// the chapters root.
func (l Layout) ChapterOf(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}
