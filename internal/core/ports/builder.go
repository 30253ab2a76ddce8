package ports

import (
	"context"
	"errors"
)

// ErrBuildFailed is returned by BuilderService when the source itself does not
// build (bad Dockerfile, failing build step). Retrying does not help.
var ErrBuildFailed = errors.New("image build failed")

// BuildRequest names the image to produce and where its source comes from.
type BuildRequest struct {
	// Source is a git repository URL.
	Source string
	Image  string
}

// BuilderService defines operations for producing container images.
type BuilderService interface {
	// BuildImage clones the source repository and builds an image from it.
	// It returns the reference of the built image or an error.
	BuildImage(ctx context.Context, req BuildRequest) (string, error)
}
