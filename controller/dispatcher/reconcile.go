package dispatcher

import (
	"errors"

	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

var errInterrupted = errors.New("build was interrupted by a controller restart")

// Reconcile moves on whatever a stopped controller left behind. Work that
// only lived in queues or on nodes fails, pending publishes go to the
// publish stage again and interrupted repositories are released. Builds
// waiting for the scheduler are left to its first pass. Must be called
// before Run and before the backend accepts jobs.
func (d *Dispatcher) Reconcile() error {
	reset, err := store.ResetInterruptedRepositories(d.store.DB)
	if err != nil {
		return err
	}
	if reset > 0 {
		log.Infof("Released %d repositories of interrupted builds", reset)
	}

	builds, err := store.UnfinishedBuilds(d.store.DB)
	if err != nil {
		return err
	}
	for _, build := range builds {
		switch {
		case build.BuildState == model.STATE_NEEDS_PUBLISH || build.BuildState == model.STATE_PUBLISHING:
			d.publisher.Enqueue(build.Id)
		case build.BuildType == model.TYPE_DEB:
			if build.BuildState != model.STATE_SCHEDULED && build.BuildState != model.STATE_BUILDING {
				continue
			}
			if err := store.DeleteBuildTask(d.store.DB, build.Id); err != nil {
				return err
			}
			d.fail(build.Id, errInterrupted)
		case build.BuildType == model.TYPE_BUILD:
			// Expanded top level builds follow their children.
			children, err := store.ChildBuilds(d.store.DB, build.Id)
			if err != nil {
				return err
			}
			if len(children) == 0 {
				d.fail(build.Id, errInterrupted)
			}
		default:
			d.fail(build.Id, errInterrupted)
		}
	}
	return nil
}
