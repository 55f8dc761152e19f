package vcs

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"strings"
)

const (
	changelogPath = "debian/changelog"
	controlPath   = "debian/control"
)

var (
	changelogHeader  = regexp.MustCompile(`^(\S+) \(([^)]+)\) [^;]+;`)
	changelogTrailer = regexp.MustCompile(`^ -- (.+?) <([^>]+)>`)
)

// Metadata describes the package a checkout builds.
type Metadata struct {
	SourceName      string
	Version         string
	MaintainerName  string
	MaintainerEmail string
	Commit          string
	// Architectures of the binary packages, "any" and "all" included as
	// written.
	Architectures []string
}

// Metadata reads the newest debian/changelog entry and the binary package
// architectures of debian/control.
func (c *Checkout) Metadata() (Metadata, error) {
	metadata := Metadata{Commit: c.Commit}

	changelog, err := c.Filesystem.Open(changelogPath)
	if err != nil {
		return metadata, fmt.Errorf("failed to open %s: %w", changelogPath, err)
	}
	defer changelog.Close()

	scanner := bufio.NewScanner(changelog)
	for scanner.Scan() {
		line := scanner.Text()
		if metadata.SourceName == "" {
			if match := changelogHeader.FindStringSubmatch(line); match != nil {
				metadata.SourceName, metadata.Version = match[1], match[2]
			}
			continue
		}
		if match := changelogTrailer.FindStringSubmatch(line); match != nil {
			metadata.MaintainerName, metadata.MaintainerEmail = match[1], match[2]
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return metadata, err
	}
	if metadata.SourceName == "" || metadata.MaintainerEmail == "" {
		return metadata, fmt.Errorf("no valid entry in %s", changelogPath)
	}

	if metadata.Architectures, err = c.architectures(); err != nil {
		return metadata, err
	}
	return metadata, nil
}

func (c *Checkout) architectures() ([]string, error) {
	control, err := c.Filesystem.Open(controlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", controlPath, err)
	}
	defer control.Close()

	seen := make(map[string]bool)
	var architectures []string
	isBinary := false

	scanner := bufio.NewScanner(control)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			isBinary = false
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.HasPrefix(line, " ") {
			continue
		}
		switch strings.ToLower(key) {
		case "package":
			isBinary = true
		case "architecture":
			if !isBinary {
				continue
			}
			for _, arch := range strings.Fields(value) {
				if !seen[arch] {
					seen[arch] = true
					architectures = append(architectures, arch)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(architectures) == 0 {
		return nil, fmt.Errorf("no binary package architectures in %s", controlPath)
	}
	return architectures, nil
}

// Archive writes the checkout as tar stream with every path below
// prefix.
func (c *Checkout) Archive(prefix string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)
	if err := c.archiveDir(tarWriter, prefix, "/"); err != nil {
		return err
	}
	return tarWriter.Close()
}

func (c *Checkout) archiveDir(tarWriter *tar.Writer, prefix, dir string) error {
	files, err := c.Filesystem.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fileInfo := range files {
		filePath := path.Join(dir, fileInfo.Name())
		name := path.Join(prefix, filePath)

		switch {
		case fileInfo.IsDir():
			header, err := tar.FileInfoHeader(fileInfo, "")
			if err != nil {
				return err
			}
			header.Name = name + "/"
			if err := tarWriter.WriteHeader(header); err != nil {
				return err
			}
			if err := c.archiveDir(tarWriter, prefix, filePath); err != nil {
				return err
			}

		case fileInfo.Mode()&fs.ModeSymlink != 0:
			linkName, err := c.Filesystem.Readlink(filePath)
			if err != nil {
				return err
			}
			header, err := tar.FileInfoHeader(fileInfo, linkName)
			if err != nil {
				return err
			}
			header.Name = name
			if err := tarWriter.WriteHeader(header); err != nil {
				return err
			}

		default:
			header, err := tar.FileInfoHeader(fileInfo, "")
			if err != nil {
				return err
			}
			header.Name = name
			if err := tarWriter.WriteHeader(header); err != nil {
				return err
			}
			file, err := c.Filesystem.Open(filePath)
			if err != nil {
				return err
			}
			_, err = io.Copy(tarWriter, file)
			file.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
