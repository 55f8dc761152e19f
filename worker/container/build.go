package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/hashworks/deb-ci/controller/model"
	"resty.dev/v3"
)

// SaveFunc receives one result file of a build.
type SaveFunc func(name string, r io.Reader) error

// packages the build container needs besides the chroot's buildd set.
var buildTools = []string{"build-essential", "devscripts", "equivs", "fakeroot"}

// Build builds the source archive of a job in a container of the job's
// chroot image and passes every produced file to save. Failures caused by
// the package wrap ErrBuildFailed.
func (r *Runner) Build(ctx context.Context, job model.Job, source io.Reader, out io.Writer, save SaveFunc) error {
	ctx, cancel := context.WithTimeout(ctx, r.options.Timeout)
	defer cancel()

	platform := platformOf(job.Arch)
	image, err := r.buildImage(ctx, job, out)
	if err != nil {
		return err
	}

	id, err := r.startContainer(ctx, fmt.Sprintf("%s-build-%d", CONTAINER_PREFIX, job.BuildId), image, platform, false)
	if err != nil {
		return err
	}
	defer r.removeContainer(id)

	config, err := r.aptConfig(ctx, job)
	if err != nil {
		return err
	}
	if err := r.client.CopyToContainer(ctx, id, "/", bytes.NewReader(config), types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy apt configuration: %w", err)
	}
	if err := r.client.CopyToContainer(ctx, id, "/build", source, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy source archive: %w", err)
	}

	workDir := "/build/" + sourceDir(job)
	tools := buildTools
	if job.RunLintChecks {
		tools = append(append([]string{}, buildTools...), "lintian")
	}
	steps := [][]string{
		{"apt-get", "update"},
		append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, tools...),
		{"mk-build-deps", "--install", "--remove", "--tool", "apt-get -y --no-install-recommends", "debian/control"},
		{"dpkg-buildpackage", "-us", "-uc", buildFlag(job)},
	}
	if job.RunLintChecks {
		steps = append(steps, []string{"sh", "-c", "lintian --fail-on error ../*.changes"})
	}
	steps = append(steps, []string{"sh", "-c", "mkdir -p /out && find /build -maxdepth 1 -type f " +
		"\\( -name '*.deb' -o -name '*.ddeb' -o -name '*.buildinfo' -o -name '*.changes' \\) -exec cp {} /out/ \\;"})
	for _, cmd := range steps {
		if err := r.step(ctx, id, out, workDir, cmd...); err != nil {
			return err
		}
	}

	return r.collect(ctx, id, save)
}

func (r *Runner) buildImage(ctx context.Context, job model.Job, out io.Writer) (string, error) {
	image := ImageName(job.PlatformName, job.PlatformVersion, job.Arch)
	exists, err := r.imageExists(ctx, image)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	if exists {
		return image, nil
	}
	// Without a prepared chroot fall back to the official image.
	image = job.PlatformName + ":" + job.PlatformVersion
	if err := r.pullImage(ctx, image, platformOf(job.Arch), out); err != nil {
		return "", err
	}
	return image, nil
}

// sourceDir is the directory the source archive unpacks to.
func sourceDir(job model.Job) string {
	return job.SourceName + "-" + job.Version
}

func buildFlag(job model.Job) string {
	if job.ArchIndependentOnly {
		return "-A"
	}
	return "-B"
}

// aptConfig returns a tar stream with the job's package sources and keys
// and an empty /build directory.
func (r *Runner) aptConfig(ctx context.Context, job model.Job) ([]byte, error) {
	files := map[string][]byte{
		"build/":                             nil,
		"etc/apt/sources.list.d/deb-ci.list": []byte(strings.Join(job.ExtraSourceURLs, "\n") + "\n"),
	}
	keys, err := fetchKeys(ctx, job.ExtraSourceKeys)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		files[fmt.Sprintf("etc/apt/trusted.gpg.d/deb-ci-%d.asc", i)] = key
	}
	return tarFiles(files)
}

func fetchKeys(ctx context.Context, urls []string) ([][]byte, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	client := resty.New()
	defer client.Close()

	keys := make([][]byte, 0, len(urls))
	for _, url := range urls {
		response, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch key %s: %w", url, err)
		}
		if response.IsError() {
			return nil, fmt.Errorf("failed to fetch key %s: %s", url, response.Status())
		}
		keys = append(keys, response.Bytes())
	}
	return keys, nil
}

// collect passes every regular file below /out to save.
func (r *Runner) collect(ctx context.Context, id string, save SaveFunc) error {
	readCloser, _, err := r.client.CopyFromContainer(ctx, id, "/out")
	if err != nil {
		return fmt.Errorf("failed to copy build results: %w", err)
	}
	defer readCloser.Close()
	return extractFiles(readCloser, save)
}

func extractFiles(r io.Reader, save SaveFunc) error {
	tarReader := tar.NewReader(r)
	saved := 0
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read build results: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := save(path.Base(header.Name), tarReader); err != nil {
			return fmt.Errorf("failed to save %s: %w", header.Name, err)
		}
		saved++
	}
	if saved == 0 {
		return fmt.Errorf("no packages were built: %w", ErrBuildFailed)
	}
	return nil
}
