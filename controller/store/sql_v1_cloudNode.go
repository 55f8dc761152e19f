package store

import (
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

// ActiveCloudNodes returns every cloud node that was not stopped yet,
// oldest first.
func ActiveCloudNodes(db xorm.Interface) ([]model.CloudNode, error) {
	var nodes []model.CloudNode
	err := db.Where("status != ?", model.CLOUD_NODE_STATUS_STOPPED).Asc("created_at").Find(&nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud nodes: %w", err)
	}
	return nodes, nil
}

func SetCloudNodeStatus(db xorm.Interface, id int64, status model.CloudNodeStatus) error {
	_, err := db.ID(id).Cols("status").Update(&model.CloudNode{Status: status})
	if err != nil {
		return fmt.Errorf("failed to update cloud node %d: %w", id, err)
	}
	return nil
}
