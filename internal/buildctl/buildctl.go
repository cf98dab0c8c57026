// Package buildctl implements the pipeline's "detect & build" step: build
// via the runtime's native image builder when a Dockerfile is present,
// otherwise fall back to the buildpack tool. It wraps the Docker image
// builder the same way the teacher's dockerbuild package did, and adds the
// buildpack path the spec requires for repositories without a Dockerfile.
package buildctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"renderlite/internal/apierr"
)

// Builder builds container images from a cloned repository, either via the
// Docker daemon's native builder (Dockerfile present) or via the buildpack
// tool (no Dockerfile).
type Builder struct {
	client *client.Client
}

// NewBuilder creates a Builder connected to the Docker daemon.
func NewBuilder(dockerHost string) (*Builder, error) {
	log.Printf("[BUILDCTL] initializing docker client - host: %s", dockerHost)
	cli, err := client.NewClientWithOpts(
		client.WithHost(dockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Builder{client: cli}, nil
}

// LogFunc receives one meaningful progress line at a time, streamed through
// the pipeline's log callback during a build.
type LogFunc func(line string)

// BuildDockerfile builds a Docker image from a repository that has a
// Dockerfile at its root, streaming progress lines to onLog.
func (b *Builder) BuildDockerfile(ctx context.Context, repoPath, imageTag string, onLog LogFunc) error {
	log.Printf("[BUILDCTL] building %s from Dockerfile at %s", imageTag, repoPath)

	buildContext, err := createTarContext(repoPath)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	buildOptions := types.ImageBuildOptions{
		Tags:       []string{imageTag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	}

	resp, err := b.client.ImageBuild(ctx, buildContext, buildOptions)
	if err != nil {
		return apierr.RuntimeUnavailable("docker image build failed to start", err)
	}
	defer resp.Body.Close()

	return streamBuildLog(resp.Body, onLog)
}

// BuildBuildpack builds an image via the buildpack tool (`pack build`) for
// repositories with no Dockerfile, letting the buildpack auto-detect the
// runtime.
func (b *Builder) BuildBuildpack(ctx context.Context, repoPath, imageTag string, onLog LogFunc) error {
	log.Printf("[BUILDCTL] building %s via buildpack at %s", imageTag, repoPath)

	if _, err := exec.LookPath("pack"); err != nil {
		return apierr.RuntimeUnavailable("buildpack tool (pack) not found in PATH", err)
	}

	cmd := exec.CommandContext(ctx, "pack", "build", imageTag,
		"--path", repoPath,
		"--builder", "paketobuildpacks/builder-jammy-base",
		"--trust-builder",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach buildpack output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start buildpack build: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLog(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return apierr.Timeout("buildpack build timed out", ctx.Err())
		}
		return fmt.Errorf("buildpack build failed: %w", err)
	}
	return nil
}

// dockerBuildMessage mirrors the line-delimited JSON the Docker build API
// streams back: either a free-text status line or an error.
type dockerBuildMessage struct {
	Stream      string `json:"stream"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Error string `json:"error"`
}

// streamBuildLog parses the Docker build API's JSON-lines output, emitting
// meaningful progress lines through onLog and surfacing any build error.
func streamBuildLog(r io.Reader, onLog LogFunc) error {
	decoder := json.NewDecoder(r)
	for {
		var msg dockerBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to parse build output: %w", err)
		}
		if msg.Error != "" {
			reason := msg.Error
			if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
				reason = msg.ErrorDetail.Message
			}
			return fmt.Errorf("image build failed: %s", reason)
		}
		if line := trimNewline(msg.Stream); line != "" {
			onLog(line)
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// createTarContext creates a tar archive of the given directory path, used
// as the Docker build context.
func createTarContext(path string) (io.ReadCloser, error) {
	cmd := exec.Command("tar", "-cf", "-", "-C", path, ".")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tar command: %w", err)
	}
	return stdout, nil
}
