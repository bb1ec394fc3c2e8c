package chapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"reelsmith/internal/fileutil"
	"reelsmith/internal/services"
)

// AssetKind classifies a media asset.
type AssetKind string

const (
	KindImage AssetKind = "image"
	KindAudio AssetKind = "audio"
	KindVideo AssetKind = "video"
)

// MediaAsset is a file referenced by a chapter.
type MediaAsset struct {
	Path            string    `json:"path"`
	Kind            AssetKind `json:"kind"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Ordinal         int       `json:"ordinal"`
	TaskID          string    `json:"task_id,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// Manifest lists the assets a chapter references.
type Manifest struct {
	ChapterID string       `json:"chapter_id"`
	Assets    []MediaAsset `json:"assets"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Find returns the asset in the (kind, ordinal) slot.
func (m *Manifest) Find(kind AssetKind, ordinal int) (MediaAsset, bool) {
	for _, asset := range m.Assets {
		if asset.Kind == kind && asset.Ordinal == ordinal {
			return asset, true
		}
	}
	return MediaAsset{}, false
}

// ByKind returns the assets of kind ordered by ordinal.
func (m *Manifest) ByKind(kind AssetKind) []MediaAsset {
	var out []MediaAsset
	for _, asset := range m.Assets {
		if asset.Kind == kind {
			out = append(out, asset)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Load reads the chapter manifest. A chapter without a manifest yields an
// empty one.
func (l Layout) Load(id string) (*Manifest, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	manifest := &Manifest{ChapterID: id}
	err := fileutil.ReadJSON(l.ManifestPath(id), manifest)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{ChapterID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// Register points the (kind, ordinal) slot at asset. The manifest is
// rewritten atomically while holding the chapter lock; the previous file for
// the slot, if any, is left on disk.
func (l Layout) Register(ctx context.Context, id string, asset MediaAsset) (*Manifest, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(asset.Path) {
		return nil, services.Wrap(services.ErrValidation, "chapter", "register", fmt.Sprintf("asset path %q must be absolute", asset.Path), nil)
	}
	if err := os.MkdirAll(l.Dir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create chapter dir: %w", err)
	}

	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	manifest, err := l.Load(id)
	if err != nil {
		return nil, err
	}
	if asset.RegisteredAt.IsZero() {
		asset.RegisteredAt = time.Now().UTC()
	}
	replaced := false
	for i, existing := range manifest.Assets {
		if existing.Kind == asset.Kind && existing.Ordinal == asset.Ordinal {
			manifest.Assets[i] = asset
			replaced = true
			break
		}
	}
	if !replaced {
		manifest.Assets = append(manifest.Assets, asset)
	}
	sort.SliceStable(manifest.Assets, func(i, j int) bool {
		a, b := manifest.Assets[i], manifest.Assets[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Ordinal < b.Ordinal
	})
	manifest.UpdatedAt = asset.RegisteredAt

	if err := fileutil.WriteJSONAtomic(l.ManifestPath(id), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (l Layout) lock(ctx context.Context, id string) (func(), error) {
	fl := flock.New(filepath.Join(l.Dir(id), lockFile))
	ok, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock chapter %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock chapter %s: not acquired", id)
	}
	return func() { _ = fl.Unlock() }, nil
}
