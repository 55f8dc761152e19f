package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/hetznercloud/hcloud-go/hcloud"
)

type HetznerOptions struct {
	Token      string
	SSHKeyName string
	Location   string
	Image      string
	// ServerTypes maps an architecture to a Hetzner server type.
	ServerTypes map[string]string
	// WorkerImage is the container image of the worker agent.
	WorkerImage   string
	ControllerURI string
}

// Hetzner creates worker VMs in the Hetzner cloud.
type Hetzner struct {
	client  *hcloud.Client
	options HetznerOptions
}

func NewHetzner(options HetznerOptions) *Hetzner {
	return &Hetzner{client: hcloud.NewClient(hcloud.WithToken(options.Token)), options: options}
}

func (h *Hetzner) Supports(arch string) bool {
	_, ok := h.options.ServerTypes[arch]
	return ok
}

func (h *Hetzner) CreateServer(ctx context.Context, name, arch string) (*hcloud.Server, error) {
	createOpts, err := h.getServerCreateOpts(ctx, name, arch)
	if err != nil {
		return nil, fmt.Errorf("failed to create hetzner server options: %w", err)
	}
	result, _, err := h.client.Server.Create(ctx, createOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create hetzner server: %w", err)
	}
	return result.Server, nil
}

func (h *Hetzner) DeleteServer(ctx context.Context, id int) error {
	_, err := h.client.Server.Delete(ctx, &hcloud.Server{ID: id})
	if err != nil {
		return fmt.Errorf("failed to delete hetzner server %d: %w", id, err)
	}
	return nil
}

func (h *Hetzner) getServerCreateOpts(ctx context.Context, name, arch string) (hcloud.ServerCreateOpts, error) {
	var err error
	createOpts := hcloud.ServerCreateOpts{
		Name:             name,
		StartAfterCreate: hcloud.Bool(true),
		UserData:         cloudInit(h.options.WorkerImage, h.options.ControllerURI, name, arch),
		Labels:           map[string]string{"deb-ci": "worker", "arch": arch},
	}

	serverType, ok := h.options.ServerTypes[arch]
	if !ok {
		return createOpts, fmt.Errorf("no server type for architecture %s", arch)
	}
	createOpts.ServerType, _, err = h.client.ServerType.GetByName(ctx, serverType)
	if err != nil {
		return createOpts, err
	}
	if createOpts.ServerType == nil {
		return createOpts, fmt.Errorf("unknown server type %s", serverType)
	}

	createOpts.Image, _, err = h.client.Image.GetByName(ctx, h.options.Image)
	if err != nil {
		return createOpts, err
	}

	if len(h.options.SSHKeyName) > 0 {
		sshKey, _, err := h.client.SSHKey.GetByName(ctx, h.options.SSHKeyName)
		if err != nil {
			return createOpts, err
		}
		createOpts.SSHKeys = append(createOpts.SSHKeys, sshKey)
	}

	createOpts.Location, _, err = h.client.Location.GetByName(ctx, h.options.Location)
	if err != nil {
		return createOpts, err
	}

	return createOpts, nil
}

// cloudInit installs docker and starts the worker agent on first boot.
func cloudInit(workerImage, controllerURI, name, arch string) string {
	args := []string{
		"docker", "run", "-d", "--restart=always",
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		"-e", "CONTROLLER_URI=" + controllerURI,
		"-e", "WORKER_ARCH=" + arch,
		"-e", "WORKER_NAME=" + name,
		workerImage,
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = fmt.Sprintf("%q", arg)
	}
	return "#cloud-config\npackages:\n  - docker.io\nruncmd:\n  - [" + strings.Join(quoted, ", ") + "]\n"
}
