package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashworks/deb-ci/controller/artifact"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

// taskBuild resolves the token of a scheduled job to its deb build. Tokens
// die with their build task.
func (s *Server) taskBuild(c *gin.Context) (model.Build, bool) {
	task, err := store.GetBuildTaskByToken(s.Store.DB, c.Param("token"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatus(http.StatusNotFound)
		} else {
			abortWithStoreError(c, err)
		}
		return model.Build{}, false
	}
	build, err := store.GetBuild(s.Store.DB, task.BuildId)
	if err != nil {
		abortWithStoreError(c, err)
		return model.Build{}, false
	}
	return build, true
}

func (s *Server) internalNodeSocket(c *gin.Context) {
	if s.Nodes == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("Failed to upgrade node connection: %s", err)
		return
	}
	arch, name := c.Param("arch"), c.Param("node")
	log.Infof("Node %s (%s) connected from %s", name, arch, c.ClientIP())
	if err := s.Nodes.Serve(c.Request.Context(), arch, name, ws); err != nil {
		log.Warnf("Failed to register node %s (%s): %s", name, arch, err)
		return
	}
	log.Infof("Node %s (%s) disconnected", name, arch)
}

func (s *Server) internalBuildSource(c *gin.Context) {
	build, ok := s.taskBuild(c)
	if !ok {
		return
	}
	file, err := s.Artifacts.OpenSourceArchive(build.ParentId)
	if err != nil {
		log.WithField("build_id", build.Id).Errorf("Failed to open source archive: %s", err)
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer file.Close()
	c.DataFromReader(http.StatusOK, -1, "application/x-tar", file, nil)
}

// internalBuildLog appends the streamed request body to the build log. The
// log is finished only if the stream ended cleanly, a broken stream is
// settled once the outcome of the build arrives.
func (s *Server) internalBuildLog(c *gin.Context) {
	build, ok := s.taskBuild(c)
	if !ok {
		return
	}
	s.Logs.StreamStarted(build.Id)
	buffer := make([]byte, 32*1024)
	for {
		n, err := c.Request.Body.Read(buffer)
		if n > 0 {
			s.Logs.Write(build.Id, buffer[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.WithField("build_id", build.Id).Warnf("Build log stream broke: %s", err)
			s.Logs.StreamBroken(build.Id)
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
	}
	s.Logs.Finish(build.Id)
	c.Status(http.StatusNoContent)
}

func (s *Server) internalBuildUpload(c *gin.Context) {
	build, ok := s.taskBuild(c)
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	if err := s.Artifacts.Save(build.Id, header.Filename, file); err != nil {
		if errors.Is(err, artifact.ErrInvalidName) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.WithField("build_id", build.Id).Errorf("Failed to save %s: %s", header.Filename, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
