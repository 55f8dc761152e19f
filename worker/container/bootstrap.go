package container

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/hashworks/deb-ci/controller/model"
	log "github.com/sirupsen/logrus"
)

// Prepare bootstraps the chroot of a build environment with debootstrap
// and imports it as the image builds of that environment run in.
func (r *Runner) Prepare(ctx context.Context, env model.BuildEnvironment, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, r.options.Timeout)
	defer cancel()

	platform := platformOf(env.Arch)
	if err := r.pullImage(ctx, r.options.BootstrapImage, platform, out); err != nil {
		return err
	}
	// debootstrap mounts proc and friends.
	id, err := r.startContainer(ctx, fmt.Sprintf("%s-bootstrap-%s-%s", CONTAINER_PREFIX, env.Dist, env.Arch),
		r.options.BootstrapImage, platform, true)
	if err != nil {
		return err
	}
	defer r.removeContainer(id)

	for _, cmd := range bootstrapSteps(env) {
		if err := r.step(ctx, id, out, "/", cmd...); err != nil {
			return err
		}
	}

	readCloser, _, err := r.client.CopyFromContainer(ctx, id, "/rootfs.tar")
	if err != nil {
		return fmt.Errorf("failed to copy chroot: %w", err)
	}
	defer readCloser.Close()
	// CopyFromContainer wraps the file in a tar stream of its own.
	tarReader := tar.NewReader(readCloser)
	if _, err := tarReader.Next(); err != nil {
		return fmt.Errorf("failed to read chroot: %w", err)
	}

	image := ImageName(env.PlatformName, env.PlatformVersion, env.Arch)
	fmt.Fprintf(out, "I: importing %s\n", image)
	response, err := r.client.ImageImport(ctx,
		types.ImageImportSource{Source: tarReader, SourceName: "-"},
		image,
		types.ImageImportOptions{Platform: platformString(platform)})
	if err != nil {
		return fmt.Errorf("failed to import image %s: %w", image, err)
	}
	defer response.Close()
	if _, err := io.Copy(out, response); err != nil {
		return fmt.Errorf("failed to import image %s: %w", image, err)
	}
	log.Infof("Imported chroot image %s", image)
	return nil
}

func bootstrapSteps(env model.BuildEnvironment) [][]string {
	components := env.Components
	if len(components) == 0 {
		components = []string{"main"}
	}
	return [][]string{
		{"apt-get", "update"},
		{"apt-get", "install", "-y", "--no-install-recommends", "debootstrap", "ca-certificates"},
		{"debootstrap", "--variant=buildd", "--arch=" + env.Arch, "--components=" + strings.Join(components, ","),
			env.Dist, "/rootfs", env.MirrorURL},
		{"tar", "-C", "/rootfs", "-cf", "/rootfs.tar", "."},
	}
}
