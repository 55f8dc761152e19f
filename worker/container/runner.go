// Package container runs package builds and chroot bootstraps in docker
// containers.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/versions"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"
)

const CONTAINER_PREFIX = "deb-ci"

// ErrBuildFailed marks a build that failed because of the package, not
// because of the machinery around it.
var ErrBuildFailed = errors.New("build failed")

type Options struct {
	// BootstrapImage runs debootstrap, f.e. debian:stable.
	BootstrapImage string
	// Timeout limits a single build or bootstrap.
	Timeout time.Duration
}

type Runner struct {
	client  *client.Client
	options Options
}

func NewRunner(options Options) (*Runner, error) {
	if options.BootstrapImage == "" {
		options.BootstrapImage = "debian:stable"
	}
	if options.Timeout <= 0 {
		options.Timeout = 2 * time.Hour
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{client: cli, options: options}, nil
}

func (r *Runner) Close() error {
	return r.client.Close()
}

// Ping checks that the docker daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	if _, err := r.client.Info(ctx); err != nil {
		return fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return nil
}

// ImageName is the local image a chroot of a platform and architecture is
// imported as.
func ImageName(platformName, platformVersion, arch string) string {
	return fmt.Sprintf("%s/%s:%s-%s", CONTAINER_PREFIX, platformName, platformVersion, arch)
}

// platformOf maps a Debian architecture to an OCI platform.
func platformOf(arch string) *v1.Platform {
	platform := &v1.Platform{OS: "linux", Architecture: arch}
	switch arch {
	case "i386":
		platform.Architecture = "386"
	case "armhf":
		platform.Architecture, platform.Variant = "arm", "v7"
	case "armel":
		platform.Architecture, platform.Variant = "arm", "v5"
	case "ppc64el":
		platform.Architecture = "ppc64le"
	}
	return platform
}

func platformString(platform *v1.Platform) string {
	s := platform.OS + "/" + platform.Architecture
	if platform.Variant != "" {
		s += "/" + platform.Variant
	}
	return s
}

// RemoveOldContainers removes containers a previous run left behind.
func (r *Runner) RemoveOldContainers(ctx context.Context) {
	containers, err := r.client.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		log.Errorf("Failed to get list of containers: %s", err)
		return
	}
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.HasPrefix(name, "/"+CONTAINER_PREFIX+"-") {
				log.Infof("Removing old container %s", name)
				if err := r.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{
					RemoveVolumes: true,
					Force:         true,
				}); err != nil {
					log.Errorf("Failed to remove old container %s: %s", name, err)
				}
				break
			}
		}
	}
}

func (r *Runner) pullImage(ctx context.Context, image string, platform *v1.Platform, out io.Writer) error {
	fmt.Fprintf(out, "I: pulling %s for %s\n", image, platformString(platform))
	readCloser, err := r.client.ImagePull(ctx, image, types.ImagePullOptions{Platform: platformString(platform)})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer readCloser.Close()
	// The pull only completes once its progress stream has been read.
	if _, err := io.Copy(io.Discard, readCloser); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (r *Runner) imageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// startContainer creates and starts a container that idles until it is
// removed, commands run in it with exec.
func (r *Runner) startContainer(ctx context.Context, name, image string, platform *v1.Platform, privileged bool) (string, error) {
	if !versions.GreaterThanOrEqualTo(r.client.ClientVersion(), "1.41") {
		platform = nil
	}
	created, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Cmd:   []string{"tail", "-f", "/dev/null"},
		},
		&container.HostConfig{Privileged: privileged},
		&network.NetworkingConfig{},
		platform,
		name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		r.removeContainer(created.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return created.ID, nil
}

// removeContainer uses its own context, the build context may be done
// already.
func (r *Runner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil {
		log.Errorf("Failed to remove container %s: %s", id, err)
	}
}

// exec runs cmd in the container, streams its output to out and returns
// the exit code.
func (r *Runner) exec(ctx context.Context, containerId string, out io.Writer, workingDir string, cmd ...string) (int, error) {
	fmt.Fprintf(out, "I: running %s\n", strings.Join(cmd, " "))
	idResponse, err := r.client.ContainerExecCreate(ctx, containerId, types.ExecConfig{
		Cmd:          cmd,
		Env:          []string{"DEBIAN_FRONTEND=noninteractive"},
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, err
	}

	attach, err := r.client.ContainerExecAttach(ctx, idResponse.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, err
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(out, out, attach.Reader); err != nil {
		return 0, err
	}

	for {
		inspect, err := r.client.ContainerExecInspect(ctx, idResponse.ID)
		if err != nil {
			return 0, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// step runs cmd and turns a non-zero exit code into ErrBuildFailed.
func (r *Runner) step(ctx context.Context, containerId string, out io.Writer, workingDir string, cmd ...string) error {
	exitCode, err := r.exec(ctx, containerId, out, workingDir, cmd...)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", cmd[0], err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %w", cmd[0], exitCode, ErrBuildFailed)
	}
	return nil
}

// tarFiles creates a tar stream of the given files. Names ending with a
// slash are directories.
func tarFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buffer bytes.Buffer
	tarWriter := tar.NewWriter(&buffer)
	for _, name := range names {
		header := &tar.Header{Name: name, Mode: 0644, Size: int64(len(files[name])), Typeflag: tar.TypeReg}
		if strings.HasSuffix(name, "/") {
			header = &tar.Header{Name: name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tarWriter.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
