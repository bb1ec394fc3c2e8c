package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"reelsmith/internal/config"
	"reelsmith/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Descriptor builds a valid descriptor writing into the config's chapter namespace.
func Descriptor(cfg *config.Config, kind queue.Kind, chapterID, name string, ordinal int) queue.Descriptor {
	sub := map[queue.Kind]string{queue.KindImage: "images", queue.KindVideoSegment: "video", queue.KindAudio: "audio"}[kind]
	d := queue.Descriptor{
		Kind:       kind,
		OutputPath: filepath.Join(cfg.ChaptersDir(), chapterID, sub, name),
		ChapterID:  chapterID,
		Ordinal:    ordinal,
	}
	if kind == queue.KindAudio {
		d.Text = "narration for " + name
	} else {
		d.Prompt = "prompt for " + name
	}
	return d
}

// CreateTask inserts a task directly, bypassing the remote service.
func CreateTask(t testing.TB, store *queue.Store, req queue.NewTask) *queue.Task {
	t.Helper()
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 3
	}
	task, err := store.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return task
}
