package vm

import (
	"fmt"
	"strings"

	"github.com/crepererum/cloudexec/internal/cloud"
)

// ImageNotFoundError reports an image id missing from the provider catalog.
type ImageNotFoundError struct {
	ImageID   string
	Available []cloud.Image
}

func (e *ImageNotFoundError) Error() string {
	ids := make([]string, 0, len(e.Available))
	for _, image := range e.Available {
		ids = append(ids, fmt.Sprintf("%s (%s)", image.ID, image.Name))
	}
	return fmt.Sprintf("image %q not found, available images: %s", e.ImageID, strings.Join(ids, ", "))
}

// SizeNotFoundError reports a size id missing from the provider catalog.
type SizeNotFoundError struct {
	SizeID    string
	Available []cloud.Size
}

func (e *SizeNotFoundError) Error() string {
	ids := make([]string, 0, len(e.Available))
	for _, size := range e.Available {
		ids = append(ids, fmt.Sprintf("%s (%s)", size.ID, size.Name))
	}
	return fmt.Sprintf("size %q not found, available sizes: %s", e.SizeID, strings.Join(ids, ", "))
}

// BootstrapError reports a bootstrap step that did not succeed on the
// machine.
type BootstrapError struct {
	Step   string
	Status int
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap step %q exited with status %d", e.Step, e.Status)
}
