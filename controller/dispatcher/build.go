package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/vcs"
	log "github.com/sirupsen/logrus"
	"xorm.io/xorm"
)

func (d *Dispatcher) clone(ctx context.Context, c Clone) error {
	repository, err := store.GetRepository(d.store.DB, c.RepoId)
	if err != nil {
		return err
	}
	next := StartCommand(model.SourceRepository{Id: repository.Id, State: model.REPOSITORY_STATE_READY},
		model.Build{Id: c.BuildId, GitRef: c.GitRef, CiBranch: c.Branch})

	swapped, err := store.SwapRepositoryState(d.store.DB, repository.Id,
		[]model.RepositoryState{model.REPOSITORY_STATE_NEW, model.REPOSITORY_STATE_ERROR}, model.REPOSITORY_STATE_CLONING)
	if err != nil {
		return err
	}
	if !swapped {
		// Someone else clones or already did, the build waits for the
		// repository to become ready.
		if c.BuildId != 0 {
			d.Enqueue(next)
		}
		return nil
	}

	log.Infof("Cloning repository %s", repository.URL)
	if err := d.repositories.CloneOrFetch(ctx, repository); err != nil {
		if err := store.SetRepositoryState(d.store.DB, repository.Id, model.REPOSITORY_STATE_ERROR); err != nil {
			log.Errorf("Failed to set repository %d to error: %s", repository.Id, err)
		}
		return err
	}
	if err := store.SetRepositoryState(d.store.DB, repository.Id, model.REPOSITORY_STATE_READY); err != nil {
		return err
	}
	if c.BuildId != 0 {
		d.Enqueue(next)
	}
	return nil
}

func (d *Dispatcher) buildLatest(c BuildLatest) error {
	tag, err := d.repositories.LatestTag(c.RepoId)
	if err != nil {
		return err
	}
	if _, err := d.store.DB.ID(c.BuildId).Cols("git_ref").Update(&model.Build{GitRef: tag}); err != nil {
		return fmt.Errorf("failed to update build: %w", err)
	}
	d.logs.Append(c.BuildId, "I: building latest tag "+tag)
	d.Enqueue(Build{BuildId: c.BuildId, RepoId: c.RepoId, GitRef: tag})
	return nil
}

func (d *Dispatcher) build(ctx context.Context, c Build) error {
	top, err := store.GetBuild(d.store.DB, c.BuildId)
	if err != nil {
		return err
	}
	if top.IsDeleted || top.BuildState.IsTerminal() {
		log.WithField("build_id", top.Id).Infof("Skipping build in state %s", top.BuildState)
		return nil
	}

	swapped, err := store.SwapRepositoryState(d.store.DB, c.RepoId,
		[]model.RepositoryState{model.REPOSITORY_STATE_READY}, model.REPOSITORY_STATE_BUSY)
	if err != nil {
		return err
	}
	if !swapped {
		if c.Attempt >= d.options.RetryMax {
			return fmt.Errorf("repository %d did not become ready", c.RepoId)
		}
		c.Attempt++
		d.EnqueueAfter(ctx, c, d.options.RetryDelay)
		return errRetry
	}
	defer func() {
		if err := store.SetRepositoryState(d.store.DB, c.RepoId, model.REPOSITORY_STATE_READY); err != nil {
			log.Errorf("Failed to set repository %d to ready: %s", c.RepoId, err)
		}
	}()

	repository, err := store.GetRepository(d.store.DB, c.RepoId)
	if err != nil {
		return err
	}
	if err := d.repositories.CloneOrFetch(ctx, repository); err != nil {
		return err
	}
	ref := c.GitRef
	if ref == "" {
		ref = c.Branch
	}
	checkout, err := d.repositories.Checkout(repository.Id, ref)
	if err != nil {
		return err
	}
	metadata, err := checkout.Metadata()
	if err != nil {
		return err
	}

	children, err := store.ChildBuilds(d.store.DB, top.Id)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		if err := d.machine.SetBuilding(top.Id); err != nil {
			return err
		}
	}
	d.logs.Append(top.Id, fmt.Sprintf("I: building %s %s from %s", metadata.SourceName, metadata.Version, metadata.Commit))

	source, err := d.expand(top, repository, metadata)
	if err != nil {
		return err
	}
	return d.packageSource(source, metadata, checkout)
}

// expand gets or creates the source build and one deb build per attached
// project version and architecture.
func (d *Dispatcher) expand(top model.Build, repository model.SourceRepository, metadata vcs.Metadata) (model.Build, error) {
	var source model.Build
	err := d.store.InTx(func(sess *xorm.Session) error {
		maintainer, err := store.UpsertMaintainer(sess, metadata.MaintainerName, metadata.MaintainerEmail)
		if err != nil {
			return err
		}

		top.Version = metadata.Version
		top.SourceName = metadata.SourceName
		top.MaintainerId = maintainer.Id
		if _, err := sess.ID(top.Id).Cols("version", "source_name", "maintainer_id").Update(&top); err != nil {
			return fmt.Errorf("failed to update build %d: %w", top.Id, err)
		}

		template := model.Build{
			BuildState:         model.STATE_NEW,
			ParentId:           top.Id,
			Version:            metadata.Version,
			GitRef:             top.GitRef,
			CiBranch:           top.CiBranch,
			SourceRepositoryId: repository.Id,
			MaintainerId:       maintainer.Id,
			IsCi:               top.IsCi,
			SourceName:         metadata.SourceName,
		}

		source = template
		source.BuildType = model.TYPE_SOURCE
		if source, err = getOrCreate(sess, source); err != nil {
			return err
		}

		attachments, err := store.RepositoryAttachments(sess, repository.Id)
		if err != nil {
			return err
		}
		for _, attachment := range attachments {
			version, err := store.GetProjectVersion(sess, attachment.ProjectVersionId)
			if err != nil {
				return err
			}
			if version.IsLocked || (top.IsCi && !version.CiBuildsEnabled) {
				continue
			}
			baseMirror := version
			if !version.IsBaseMirror {
				if baseMirror, err = store.GetProjectVersion(sess, version.BaseMirrorId); err != nil {
					return err
				}
			}
			allowed := baseMirror.MirrorArchitectures
			if len(attachment.Architectures) > 0 {
				allowed = intersect(allowed, attachment.Architectures)
			}

			for _, arch := range debArchitectures(metadata.Architectures, allowed) {
				deb := template
				deb.BuildType = model.TYPE_DEB
				deb.ParentId = source.Id
				deb.ProjectVersionId = version.Id
				deb.Architecture = arch
				deb.BuildDeps = repository.BuildDeps
				if _, err := getOrCreate(sess, deb); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return source, err
}

// getOrCreate returns the existing build matching build's parent, type,
// project version and architecture, refreshing its metadata while it is
// new, or inserts build.
func getOrCreate(sess *xorm.Session, build model.Build) (model.Build, error) {
	existing, exists, err := store.FindChildBuild(sess, build.ParentId, build.BuildType, build.ProjectVersionId, build.Architecture)
	if err != nil {
		return existing, err
	}
	if !exists {
		if _, err := sess.Insert(&build); err != nil {
			return build, fmt.Errorf("failed to insert %s build: %w", build.BuildType, err)
		}
		return build, nil
	}

	if existing.BuildState == model.STATE_NEW || existing.BuildState == model.STATE_NEEDS_BUILD {
		existing.Version = build.Version
		existing.SourceName = build.SourceName
		existing.MaintainerId = build.MaintainerId
		existing.BuildDeps = build.BuildDeps
		if _, err := sess.ID(existing.Id).Cols("version", "source_name", "maintainer_id", "build_deps").Update(&existing); err != nil {
			return existing, fmt.Errorf("failed to update build %d: %w", existing.Id, err)
		}
	}
	return existing, nil
}

// debArchitectures maps the architectures of debian/control to the
// architectures to build for. "any" and its wildcards expand to allowed,
// "all" is built once.
func debArchitectures(control, allowed []string) []string {
	wanted := make(map[string]bool)
	for _, arch := range control {
		switch {
		case arch == "all":
			wanted["all"] = true
		case arch == "any" || arch == "linux-any" || len(arch) > 4 && arch[:4] == "any-":
			for _, a := range allowed {
				wanted[a] = true
			}
		default:
			wanted[arch] = true
		}
	}

	var archs []string
	for _, arch := range allowed {
		if wanted[arch] {
			archs = append(archs, arch)
		}
	}
	if wanted["all"] {
		archs = append(archs, "all")
	}
	return archs
}

func intersect(a, b []string) []string {
	var result []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				result = append(result, x)
				break
			}
		}
	}
	return result
}

// packageSource writes the source archive and hands the source build to
// the publish stage.
func (d *Dispatcher) packageSource(source model.Build, metadata vcs.Metadata, checkout *vcs.Checkout) error {
	switch source.BuildState {
	case model.STATE_NEW, model.STATE_NEEDS_BUILD:
		if err := d.machine.SetBuilding(source.Id); err != nil {
			return err
		}
	case model.STATE_BUILDING:
	default:
		log.WithField("build_id", source.Id).Infof("Source build already in state %s", source.BuildState)
		return nil
	}

	if err := d.writeSourceArchive(source.Id, metadata, checkout); err != nil {
		return fmt.Errorf("failed to package source: %w", err)
	}
	d.logs.Append(source.Id, fmt.Sprintf("I: packaged %s %s", metadata.SourceName, metadata.Version))

	if err := d.machine.SetNeedsPublish(source.Id); err != nil {
		return err
	}
	d.publisher.Enqueue(source.Id)
	return nil
}

func (d *Dispatcher) writeSourceArchive(sourceId int64, metadata vcs.Metadata, checkout *vcs.Checkout) (err error) {
	f, err := d.artifacts.CreateSourceArchive(sourceId)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return checkout.Archive(metadata.SourceName+"-"+metadata.Version, f)
}
