// Package server is the HTTP surface of the controller: the operator API
// and the endpoints execution nodes talk to.
package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cache/persistence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/dispatcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/gin-swagger/swaggerFiles"

	"github.com/hashworks/deb-ci/controller/store"
)

type Dispatcher interface {
	Enqueue(cmd dispatcher.Command)
}

type Rebuilder interface {
	CanRebuild(id int64) (bool, error)
}

// NodeServer serves the websocket of one execution node until it
// disconnects.
type NodeServer interface {
	Serve(ctx context.Context, arch, name string, ws *websocket.Conn) error
}

type LogWriter interface {
	Write(buildId int64, p []byte)
	Finish(buildId int64)
	StreamStarted(buildId int64)
	StreamBroken(buildId int64)
	Path(buildId int64) string
}

type Artifacts interface {
	OpenSourceArchive(sourceBuildId int64) (*os.File, error)
	Save(buildId int64, name string, r io.Reader) error
}

type Server struct {
	Store      *store.Store
	Machine    Rebuilder
	Dispatcher Dispatcher
	Backend    backend.Backend
	// Nodes is nil when jobs do not run on remote nodes.
	Nodes      NodeServer
	Logs       LogWriter
	Artifacts  Artifacts
	cacheStore *persistence.InMemoryStore
	upgrader   websocket.Upgrader
}

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

func (s *Server) NewRouter() *gin.Engine {
	router := gin.Default()

	s.cacheStore = persistence.NewInMemoryStore(time.Second)

	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/api/swagger/index.html")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(CORS())

	openapiURL := ginSwagger.URL("/api/swagger/doc.json")
	api.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, openapiURL))

	apiV1 := api.Group("/v1")
	apiV1.GET("/nodes", s.apiV1Nodes())
	apiV1.GET("/builds/:id", s.apiV1GetBuild)
	apiV1.GET("/builds/:id/log", s.apiV1GetBuildLog)
	apiV1.POST("/builds/:id/rebuild", s.apiV1Rebuild)
	apiV1.POST("/builds/:id/abort", s.apiV1Abort)
	apiV1.POST("/repositories/:id/build", s.apiV1BuildRepository)
	apiV1.POST("/chroots", s.apiV1PrepareChroot)

	internal := router.Group("/internal")
	internal.GET("/ws/:arch/:node", s.internalNodeSocket)
	internal.GET("/buildsource/:token", s.internalBuildSource)
	internal.PUT("/buildlog/:token", s.internalBuildLog)
	internal.POST("/buildupload/:token", s.internalBuildUpload)

	return router
}
