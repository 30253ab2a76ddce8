package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/ports"
)

const dockerfile = "Dockerfile"

type Adapter struct {
	cli     *client.Client
	workDir string
	logger  *log.Entry
}

var _ ports.BuilderService = (*Adapter)(nil)

// NewBuilderAdapter builds images on the local daemon. workDir holds the
// temporary checkouts; empty means the system temp dir.
func NewBuilderAdapter(workDir string) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, workDir: workDir, logger: log.WithField("component", "builder")}, nil
}

// BuildImage clones a repo and builds a Docker image
func (a *Adapter) BuildImage(ctx context.Context, req ports.BuildRequest) (string, error) {
	url, ref := parseSource(req.Source)
	logger := a.logger.WithFields(log.Fields{"source": url, "image": req.Image})

	tmpDir, err := os.MkdirTemp(a.workDir, "lighthouse-build-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	logger.Info("Cloning source")
	opts := &git.CloneOptions{
		URL:   url,
		Depth: 1,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		if unrecoverableClone(err) {
			return "", fmt.Errorf("%w: clone %s: %v", ports.ErrBuildFailed, req.Source, err)
		}
		return "", fmt.Errorf("failed to clone repo: %w", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, dockerfile)); err != nil {
		return "", fmt.Errorf("%w: %s has no %s", ports.ErrBuildFailed, req.Source, dockerfile)
	}

	tar, err := archive.TarWithOptions(tmpDir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	logger.Info("Building image")
	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{req.Image},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	if err := readBuildOutput(resp.Body, logger); err != nil {
		return "", err
	}
	logger.Info("Image built")
	return req.Image, nil
}

// parseSource splits "url#branch".
func parseSource(source string) (url, ref string) {
	url, ref, _ = strings.Cut(source, "#")
	return url, ref
}

func unrecoverableClone(err error) bool {
	return errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository) ||
		errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, plumbing.ErrReferenceNotFound)
}

// readBuildOutput drains the build stream, which is what lets the build
// finish, and reports the first step that failed.
func readBuildOutput(r io.Reader, logger *log.Entry) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %s", ports.ErrBuildFailed, msg.Error.Message)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			logger.Debug(line)
		}
	}
}
