package generation

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

// verifyArtifact checks that data is non-empty and that its content
// signature matches the media family of kind.
func verifyArtifact(kind queue.Kind, data []byte) (string, error) {
	if len(data) == 0 {
		return "", services.Wrap(services.ErrValidation, "reconcile", "verify", "artifact is empty", nil)
	}
	detected := mimetype.Detect(data)
	want := kind.MediaKind() + "/"
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), want) {
			return detected.String(), nil
		}
	}
	return detected.String(), services.Wrap(services.ErrValidation, "reconcile", "verify",
		fmt.Sprintf("artifact signature %s does not match %s", detected.String(), kind), nil)
}
