package store

import (
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

// GetChroot returns the build environment of a base mirror and
// architecture. A missing row is reported as not found.
func GetChroot(db xorm.Interface, baseMirrorId int64, arch string) (model.Chroot, error) {
	var chroot model.Chroot
	exists, err := db.Where("base_mirror_id = ? AND architecture = ?", baseMirrorId, arch).Get(&chroot)
	if err != nil {
		return chroot, fmt.Errorf("failed to get chroot: %w", err)
	}
	if !exists {
		return chroot, fmt.Errorf("chroot of base mirror %d/%s: %w", baseMirrorId, arch, ErrNotFound)
	}
	return chroot, nil
}

func IsChrootReady(db xorm.Interface, baseMirrorId int64, arch string) (bool, error) {
	return db.Where("base_mirror_id = ? AND architecture = ? AND ready = ?", baseMirrorId, arch, true).
		Exist(new(model.Chroot))
}

func GetChrootByBuildId(db xorm.Interface, buildId int64) (model.Chroot, error) {
	var chroot model.Chroot
	exists, err := db.Where("build_id = ?", buildId).Get(&chroot)
	if err != nil {
		return chroot, fmt.Errorf("failed to get chroot of build %d: %w", buildId, err)
	}
	if !exists {
		return chroot, fmt.Errorf("chroot of build %d: %w", buildId, ErrNotFound)
	}
	return chroot, nil
}

func SetChrootReady(db xorm.Interface, id int64, ready bool) error {
	_, err := db.ID(id).Cols("ready").Update(&model.Chroot{Ready: ready})
	if err != nil {
		return fmt.Errorf("failed to update chroot %d: %w", id, err)
	}
	return nil
}

// NewChrootBuild creates a chroot build for a base mirror and
// architecture, creating the chroot row on first use. The chroot stays
// not ready until the build succeeds.
func (s *Store) NewChrootBuild(baseMirrorId int64, arch string) (model.Build, model.Chroot, error) {
	var build model.Build
	var chroot model.Chroot
	err := s.InTx(func(sess *xorm.Session) error {
		baseMirror, err := GetProjectVersion(sess, baseMirrorId)
		if err != nil {
			return err
		}
		if !baseMirror.IsBaseMirror {
			return fmt.Errorf("project version %d: %w", baseMirrorId, ErrNotBaseMirror)
		}

		build = model.Build{
			BuildType:        model.TYPE_CHROOT,
			BuildState:       model.STATE_NEW,
			ProjectVersionId: baseMirrorId,
			Architecture:     arch,
		}
		if _, err := sess.Insert(&build); err != nil {
			return fmt.Errorf("failed to insert chroot build: %w", err)
		}

		chroot, err = GetChroot(sess, baseMirrorId, arch)
		if errors.Is(err, ErrNotFound) {
			chroot = model.Chroot{BaseMirrorId: baseMirrorId, Architecture: arch, BuildId: build.Id}
			_, err = sess.Insert(&chroot)
			return err
		}
		if err != nil {
			return err
		}
		chroot.BuildId = build.Id
		chroot.Ready = false
		_, err = sess.ID(chroot.Id).Cols("build_id", "ready").Update(&chroot)
		return err
	})
	return build, chroot, err
}
