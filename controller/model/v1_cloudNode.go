package model

import (
	"time"

	"github.com/hetznercloud/hcloud-go/hcloud"
)

type CloudNodeStatus int8

const (
	CLOUD_NODE_STATUS_CREATED CloudNodeStatus = 10
	CLOUD_NODE_STATUS_RUNNING CloudNodeStatus = 20
	CLOUD_NODE_STATUS_STOPPED CloudNodeStatus = 30
)

// CloudNode is a virtual machine the provisioner created to host a worker.
type CloudNode struct {
	Id           int64
	Status       CloudNodeStatus
	HetznerId    int
	Name         string `xorm:"unique"`
	Architecture string
	IPv4         string    `xorm:"'ipv4'"`
	IPv6         string    `xorm:"'ipv6'"`
	CreatedAt    time.Time `xorm:"created"`
	UpdatedAt    time.Time `xorm:"updated"`
}

func NewCloudNodeFromHetznerServer(server *hcloud.Server, arch string) CloudNode {
	return CloudNode{
		Status:       CLOUD_NODE_STATUS_CREATED,
		HetznerId:    server.ID,
		Name:         server.Name,
		Architecture: arch,
		IPv4:         server.PublicNet.IPv4.IP.String(),
		IPv6:         server.PublicNet.IPv6.IP.String(),
		CreatedAt:    server.Created,
	}
}
