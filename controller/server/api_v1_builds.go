package server

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cache"
	"github.com/gin-gonic/gin"
	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/dispatcher"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

type BuildRequest struct {
	GitRef   string `json:"git_ref"`
	CiBranch string `json:"ci_branch"`
	IsCi     bool   `json:"is_ci"`
}

type ChrootRequest struct {
	BaseMirrorId int64  `json:"base_mirror_id" binding:"required"`
	Architecture string `json:"architecture" binding:"required"`
}

type CreatedResponse struct {
	BuildId int64 `json:"build_id"`
}

func paramId(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// abortWithStoreError maps not found to 404, everything else to 500.
func abortWithStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Errorf("Failed to handle %s: %s", c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// @Summary List execution nodes and their state.
// @Success 200 {array} backend.NodeInfo
// @Produce json
// @Router /v1/nodes [get]
// @Tags V1
func (s *Server) apiV1Nodes() gin.HandlerFunc {
	return cache.CachePage(s.cacheStore, time.Second, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Backend.ListNodes())
	})
}

// @Summary Get a build.
// @Success 200 {object} model.BuildView
// @Failure 404
// @Produce json
// @Param id path int true "Build ID"
// @Router /v1/builds/{id} [get]
// @Tags V1
func (s *Server) apiV1GetBuild(c *gin.Context) {
	id, ok := paramId(c)
	if !ok {
		return
	}
	view, err := store.GetBuildView(s.Store.DB, id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// @Summary Get the log of a build.
// @Success 200
// @Failure 404
// @Produce plain
// @Param id path int true "Build ID"
// @Router /v1/builds/{id}/log [get]
// @Tags V1
func (s *Server) apiV1GetBuildLog(c *gin.Context) {
	id, ok := paramId(c)
	if !ok {
		return
	}
	path := s.Logs.Path(id)
	if _, err := os.Stat(path); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no log"})
		return
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.File(path)
}

// @Summary Rebuild a failed build.
// @Success 202
// @Failure 400 Build is not failed or its project version is locked
// @Failure 404
// @Param id path int true "Build ID"
// @Router /v1/builds/{id}/rebuild [post]
// @Tags V1
func (s *Server) apiV1Rebuild(c *gin.Context) {
	id, ok := paramId(c)
	if !ok {
		return
	}
	rebuildable, err := s.Machine.CanRebuild(id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	if !rebuildable {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "build cannot be rebuilt"})
		return
	}
	s.Dispatcher.Enqueue(dispatcher.Rebuild{BuildId: id})
	c.Status(http.StatusAccepted)
}

// @Summary Abort a queued or running build.
// @Description The build fails right away, without waiting for its node.
// @Success 202
// @Failure 404
// @Failure 409 Build is not queued or running
// @Param id path int true "Build ID"
// @Router /v1/builds/{id}/abort [post]
// @Tags V1
func (s *Server) apiV1Abort(c *gin.Context) {
	id, ok := paramId(c)
	if !ok {
		return
	}
	if _, err := store.GetBuild(s.Store.DB, id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	err := s.Backend.Abort(c.Request.Context(), id)
	if errors.Is(err, backend.ErrUnknownBuild) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "build is not queued or running"})
		return
	}
	if err != nil {
		log.WithField("build_id", id).Errorf("Failed to abort build: %s", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusAccepted)
}

// @Summary Build a repository.
// @Description Builds git_ref, the head of ci_branch or, without either, the newest tag.
// @Success 201 {object} CreatedResponse
// @Failure 400
// @Failure 404
// @Accept json
// @Produce json
// @Param id path int true "Repository ID"
// @Param build body BuildRequest false "What to build"
// @Router /v1/repositories/{id}/build [post]
// @Tags V1
func (s *Server) apiV1BuildRepository(c *gin.Context) {
	id, ok := paramId(c)
	if !ok {
		return
	}
	var request BuildRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if request.IsCi && request.CiBranch == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CI builds need a branch"})
		return
	}

	repository, err := store.GetRepository(s.Store.DB, id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	build := model.Build{
		BuildType:          model.TYPE_BUILD,
		BuildState:         model.STATE_NEW,
		SourceRepositoryId: repository.Id,
		GitRef:             request.GitRef,
		CiBranch:           request.CiBranch,
		IsCi:               request.IsCi,
	}
	if _, err := s.Store.DB.Insert(&build); err != nil {
		abortWithStoreError(c, err)
		return
	}
	log.WithField("build_id", build.Id).Infof("Building repository %s", repository.Name)
	s.Dispatcher.Enqueue(dispatcher.StartCommand(repository, build))
	c.JSON(http.StatusCreated, CreatedResponse{BuildId: build.Id})
}

// @Summary Bootstrap the chroot of a base mirror and architecture.
// @Success 202 {object} CreatedResponse
// @Failure 400
// @Failure 404
// @Accept json
// @Produce json
// @Param chroot body ChrootRequest true "Base mirror and architecture"
// @Router /v1/chroots [post]
// @Tags V1
func (s *Server) apiV1PrepareChroot(c *gin.Context) {
	var request ChrootRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	baseMirror, err := store.GetProjectVersion(s.Store.DB, request.BaseMirrorId)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	if !baseMirror.HasArchitecture(request.Architecture) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "architecture not mirrored"})
		return
	}
	build, chroot, err := s.Store.NewChrootBuild(baseMirror.Id, request.Architecture)
	if errors.Is(err, store.ErrNotBaseMirror) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	s.Dispatcher.Enqueue(dispatcher.PrepareChroot(baseMirror, chroot))
	c.JSON(http.StatusAccepted, CreatedResponse{BuildId: build.Id})
}
