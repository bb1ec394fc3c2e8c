package chapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"reelsmith/internal/services"
)

func TestRegisterReplacesSlotReference(t *testing.T) {
	layout := NewLayout(t.TempDir())
	ctx := context.Background()
	if err := layout.Ensure("ch1"); err != nil {
		t.Fatal(err)
	}

	first := filepath.Join(layout.AssetDir("ch1", KindImage), "1.png")
	second := filepath.Join(layout.AssetDir("ch1", KindImage), "1-v2.png")
	if _, err := layout.Register(ctx, "ch1", MediaAsset{Path: first, Kind: KindImage, Ordinal: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := layout.Register(ctx, "ch1", MediaAsset{Path: filepath.Join(layout.AssetDir("ch1", KindAudio), "n.mp3"), Kind: KindAudio, Ordinal: 0}); err != nil {
		t.Fatal(err)
	}
	manifest, err := layout.Register(ctx, "ch1", MediaAsset{Path: second, Kind: KindImage, Ordinal: 1})
	if err != nil {
		t.Fatal(err)
	}

	if len(manifest.Assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(manifest.Assets))
	}
	got, ok := manifest.Find(KindImage, 1)
	if !ok || got.Path != second {
		t.Fatalf("slot points at %q", got.Path)
	}

	reloaded, err := layout.Load("ch1")
	if err != nil {
		t.Fatal(err)
	}
	if images := reloaded.ByKind(KindImage); len(images) != 1 || images[0].Path != second {
		t.Fatalf("reloaded images = %+v", images)
	}
}

func TestRegisterConcurrentWritersKeepEverySlot(t *testing.T) {
	layout := NewLayout(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ordinal int) {
			defer wg.Done()
			path := filepath.Join(layout.AssetDir("ch1", KindImage), fmt.Sprintf("%d.png", ordinal))
			if _, err := layout.Register(ctx, "ch1", MediaAsset{Path: path, Kind: KindImage, Ordinal: ordinal}); err != nil {
				t.Errorf("register %d: %v", ordinal, err)
			}
		}(i)
	}
	wg.Wait()

	manifest, err := layout.Load("ch1")
	if err != nil {
		t.Fatal(err)
	}
	images := manifest.ByKind(KindImage)
	if len(images) != 8 {
		t.Fatalf("images = %d, want 8", len(images))
	}
	for i, asset := range images {
		if asset.Ordinal != i {
			t.Fatalf("images not ordered: %+v", images)
		}
	}
}

func TestValidateIDAndChapterOf(t *testing.T) {
	for _, bad := range []string{"", "..", "a/b", " ch"} {
		if err := ValidateID(bad); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("ValidateID(%q) = %v", bad, err)
		}
	}
	layout := NewLayout("/work/chapters")
	if got := layout.ChapterOf("/work/chapters/ch7/images/1.png"); got != "ch7" {
		t.Fatalf("ChapterOf = %q", got)
	}
	if got := layout.ChapterOf("/elsewhere/1.png"); got != "" {
		t.Fatalf("ChapterOf outside root = %q", got)
	}
}

func TestRegisterRejectsRelativePath(t *testing.T) {
	layout := NewLayout(t.TempDir())
	if _, err := layout.Register(context.Background(), "ch1", MediaAsset{Path: "rel.png", Kind: KindImage}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
