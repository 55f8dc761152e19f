// Package provision creates and removes cloud VMs hosting workers
// depending on the job queue of the backend.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hetznercloud/hcloud-go/hcloud"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type Cloud interface {
	Supports(arch string) bool
	CreateServer(ctx context.Context, name, arch string) (*hcloud.Server, error)
	DeleteServer(ctx context.Context, id int) error
}

type Nodes interface {
	ListNodes() []backend.NodeInfo
	Queued() map[string]int
}

type Options struct {
	MaxVMs int
	// Lifetime is how long a VM may live, it is only removed while idle.
	Lifetime time.Duration
	// ConnectTimeout is how long a new VM may take to connect.
	ConnectTimeout time.Duration
	Schedule       string
}

type Provisioner struct {
	store   *store.Store
	cloud   Cloud
	nodes   Nodes
	options Options
	now     func() time.Time
}

func New(s *store.Store, cloud Cloud, nodes Nodes, options Options) *Provisioner {
	if options.MaxVMs <= 0 {
		options.MaxVMs = 1
	}
	if options.Lifetime <= 0 {
		options.Lifetime = 2 * time.Hour
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 10 * time.Minute
	}
	if options.Schedule == "" {
		options.Schedule = "@every 5m"
	}
	return &Provisioner{store: s, cloud: cloud, nodes: nodes, options: options, now: time.Now}
}

func (p *Provisioner) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.options.Schedule, func() { p.CheckVMStatus(ctx) }); err != nil {
		return fmt.Errorf("invalid provision schedule: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (p *Provisioner) CheckVMStatus(ctx context.Context) {
	connected := make(map[string]backend.NodeInfo)
	for _, node := range p.nodes.ListNodes() {
		connected[node.Name] = node
	}
	p.destroyExpiredVMs(ctx, connected)
	p.createRequiredVMs(ctx, connected)
}

// destroyExpiredVMs removes VMs that never connected and idle VMs past
// their lifetime.
func (p *Provisioner) destroyExpiredVMs(ctx context.Context, connected map[string]backend.NodeInfo) {
	vms, err := store.ActiveCloudNodes(p.store.DB)
	if err != nil {
		log.Errorf("Failed to get cloud nodes: %s", err)
		return
	}
	for _, vm := range vms {
		node, isConnected := connected[vm.Name]
		age := p.now().Sub(vm.CreatedAt)

		switch {
		case isConnected && vm.Status == model.CLOUD_NODE_STATUS_CREATED:
			if err := store.SetCloudNodeStatus(p.store.DB, vm.Id, model.CLOUD_NODE_STATUS_RUNNING); err != nil {
				log.Errorf("Failed to mark cloud node %s running: %s", vm.Name, err)
			}
		case !isConnected && vm.Status == model.CLOUD_NODE_STATUS_CREATED && age > p.options.ConnectTimeout:
			log.Warnf("Cloud node %s did not connect within %s", vm.Name, p.options.ConnectTimeout)
			p.destroy(ctx, vm)
		case !isConnected && vm.Status == model.CLOUD_NODE_STATUS_RUNNING:
			log.Warnf("Cloud node %s is gone", vm.Name)
			p.destroy(ctx, vm)
		case isConnected && age > p.options.Lifetime && node.State == backend.NODE_STATE_IDLE:
			log.Infof("Cloud node %s reached its lifetime", vm.Name)
			p.destroy(ctx, vm)
		}
	}
}

func (p *Provisioner) destroy(ctx context.Context, vm model.CloudNode) {
	if err := p.cloud.DeleteServer(ctx, vm.HetznerId); err != nil {
		log.Errorf("Failed to delete cloud node %s: %s", vm.Name, err)
		return
	}
	if err := store.SetCloudNodeStatus(p.store.DB, vm.Id, model.CLOUD_NODE_STATUS_STOPPED); err != nil {
		log.Errorf("Failed to mark cloud node %s stopped: %s", vm.Name, err)
	}
}

// createRequiredVMs creates one VM per architecture that has queued jobs
// but neither a connected node nor a VM on its way.
func (p *Provisioner) createRequiredVMs(ctx context.Context, connected map[string]backend.NodeInfo) {
	vms, err := store.ActiveCloudNodes(p.store.DB)
	if err != nil {
		log.Errorf("Failed to get cloud nodes: %s", err)
		return
	}
	count := len(vms)
	covered := make(map[string]bool)
	for _, node := range connected {
		covered[node.Arch] = true
	}
	for _, vm := range vms {
		covered[vm.Architecture] = true
	}

	for arch, queued := range p.nodes.Queued() {
		if queued == 0 || covered[arch] || !p.cloud.Supports(arch) {
			continue
		}
		if count >= p.options.MaxVMs {
			log.Debugf("Not creating a VM for %s, %d VMs exist", arch, count)
			return
		}
		name := fmt.Sprintf("deb-ci-worker-%s-%s", arch, p.now().Format("2006-01-02-15-04-05"))
		server, err := p.cloud.CreateServer(ctx, name, arch)
		if err != nil {
			log.Errorf("Failed to create cloud node for %s: %s", arch, err)
			continue
		}
		log.Infof("Created cloud node %s for %d queued %s jobs", server.Name, queued, arch)

		vm := model.NewCloudNodeFromHetznerServer(server, arch)
		if _, err := p.store.DB.Insert(&vm); err != nil {
			log.Errorf("Failed to insert new server %s (id %d): %s", server.Name, server.ID, err)
			if err := p.cloud.DeleteServer(ctx, server.ID); err != nil {
				log.Errorf("Failed to delete unsaved hetzner server %s: %s", server.Name, err)
			}
			continue
		}
		count++
	}
}
