package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"reelsmith/internal/chapter"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

// ReadDescriptor decodes a descriptor file. A relative output_path is placed
// in the chapter's asset directory for the descriptor kind; script output
// lands in the chapter directory and defaults to its narration file.
func ReadDescriptor(path string, layout chapter.Layout) (queue.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return queue.Descriptor{}, err
	}
	var desc queue.Descriptor
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&desc); err != nil {
		return queue.Descriptor{}, services.Wrap(services.ErrValidation, "inbox", "decode", filepath.Base(path), err)
	}
	return Resolve(desc, layout)
}

// Resolve normalizes the kind and output path of desc and validates it.
func Resolve(desc queue.Descriptor, layout chapter.Layout) (queue.Descriptor, error) {
	kind, err := queue.ParseKind(string(desc.Kind))
	if err != nil {
		return desc, services.Wrap(services.ErrValidation, "inbox", "resolve", "", err)
	}
	desc.Kind = kind
	if kind == queue.KindScript && desc.OutputPath == "" && desc.ChapterID != "" {
		desc.OutputPath = chapter.NarrationFile
	}
	if desc.OutputPath != "" && !filepath.IsAbs(desc.OutputPath) {
		if desc.ChapterID == "" {
			return desc, services.Wrap(services.ErrValidation, "inbox", "resolve",
				fmt.Sprintf("relative output_path %q needs a chapter_id", desc.OutputPath), nil)
		}
		if err := chapter.ValidateID(desc.ChapterID); err != nil {
			return desc, err
		}
		dir := layout.AssetDir(desc.ChapterID, chapter.AssetKind(kind.MediaKind()))
		if kind == queue.KindScript {
			dir = layout.Dir(desc.ChapterID)
		}
		desc.OutputPath = filepath.Join(dir, filepath.Clean(desc.OutputPath))
	}
	if err := desc.Validate(); err != nil {
		return desc, services.Wrap(services.ErrValidation, "inbox", "resolve", "", err)
	}
	return desc, nil
}
