package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/buildstate"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

// rebuild resets a failed build and starts whatever brings it forward
// again. Operators are checked with CanRebuild before this is enqueued.
func (d *Dispatcher) rebuild(c Rebuild) error {
	reset, err := d.machine.Rebuild(c.BuildId)
	if errors.Is(err, buildstate.ErrNotRebuildable) {
		log.WithField("build_id", c.BuildId).Warnf("Ignoring rebuild: %s", err)
		return nil
	}
	if err != nil {
		return err
	}

	for _, build := range reset {
		switch {
		case build.BuildState == model.STATE_NEEDS_PUBLISH:
			d.publisher.Enqueue(build.Id)
		case build.BuildType == model.TYPE_CHROOT:
			chroot, err := store.GetChrootByBuildId(d.store.DB, build.Id)
			if err != nil {
				return err
			}
			baseMirror, err := store.GetProjectVersion(d.store.DB, chroot.BaseMirrorId)
			if err != nil {
				return err
			}
			if err := store.SetChrootReady(d.store.DB, chroot.Id, false); err != nil {
				return err
			}
			d.Enqueue(PrepareChroot(baseMirror, chroot))
		case build.BuildType == model.TYPE_BUILD || build.BuildType == model.TYPE_SOURCE:
			top := build
			if build.BuildType == model.TYPE_SOURCE {
				if top, err = store.GetBuild(d.store.DB, build.ParentId); err != nil {
					return err
				}
			}
			repository, err := store.GetRepository(d.store.DB, top.SourceRepositoryId)
			if err != nil {
				return err
			}
			d.Enqueue(StartCommand(repository, top))
		case build.BuildType == model.TYPE_DEB:
			d.scheduler.Trigger()
		default:
			return fmt.Errorf("cannot rebuild %s build %d", build.BuildType, build.Id)
		}
	}
	return nil
}

func (d *Dispatcher) prepareBuildEnv(ctx context.Context, c PrepareBuildEnv) error {
	if err := d.machine.SetBuilding(c.BuildId); err != nil {
		return err
	}
	d.logs.Append(c.BuildId, fmt.Sprintf("I: preparing %s %s for %s", c.PlatformName, c.PlatformVersion, c.Arch))
	err := d.preparer.Prepare(ctx, c.BuildEnvironment, buildLog{logs: d.logs, buildId: c.BuildId})
	if err != nil {
		return fmt.Errorf("failed to prepare build environment: %w", err)
	}
	d.logs.Close(c.BuildId)

	if err := store.SetChrootReady(d.store.DB, c.ChrootId, true); err != nil {
		return err
	}
	if err := d.machine.SetSuccessful(c.BuildId); err != nil {
		return err
	}
	d.scheduler.Trigger()
	return nil
}
