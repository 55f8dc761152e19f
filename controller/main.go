package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/hashworks/deb-ci/controller/artifact"
	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/backend/local"
	"github.com/hashworks/deb-ci/controller/backend/remote"
	"github.com/hashworks/deb-ci/controller/buildlog"
	"github.com/hashworks/deb-ci/controller/buildstate"
	"github.com/hashworks/deb-ci/controller/config"
	"github.com/hashworks/deb-ci/controller/dispatcher"
	_ "github.com/hashworks/deb-ci/controller/docs"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/notify"
	"github.com/hashworks/deb-ci/controller/provision"
	"github.com/hashworks/deb-ci/controller/publish"
	"github.com/hashworks/deb-ci/controller/rendezvous"
	"github.com/hashworks/deb-ci/controller/scheduler"
	"github.com/hashworks/deb-ci/controller/server"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/vcs"
	"github.com/hashworks/deb-ci/worker/container"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// service is a long running component of the controller.
type service interface {
	Run(ctx context.Context) error
}

func loadConfig(path string) (config.Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return c, err
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return c, err
	}
	log.SetLevel(level)
	return c, nil
}

// @title deb-ci Controller
// @version 1.0
// @description Build orchestration for Debian packages
// @contact.name Justin Kromlinger
// @contact.url https://hashworks.net
// @license.name GNU General Public License v3
// @license.url https://www.gnu.org/licenses/gpl-3.0
// @BasePath /api
func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "controller",
		Short:         "Build orchestration for Debian packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG"), "Path of the YAML configuration [$CONFIG]")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(c)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "init-git",
		Short: "Clone or update every git repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return initializeOrUpdateGitRepositories(c)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(c config.Config) error {
	s, err := store.Open(c.DB.Driver, c.DB.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, err := container.NewRunner(container.Options{BootstrapImage: c.Local.Image, Timeout: c.Local.Timeout})
	if err != nil {
		return err
	}
	defer runner.Close()

	logs := buildlog.New(c.LogPath)
	artifacts := artifact.New(c.BuildOutPath)
	webhook := notify.NewWebhook(c.WebhookURL)
	machine := buildstate.New(s, logs, webhook)
	aptly := publish.NewAptly(c.Aptly.URL, c.Aptly.User, c.Aptly.Password)
	defer aptly.Close()
	stage := publish.New(s, machine, logs, artifacts, aptly)
	completion := rendezvous.New(s, machine, logs, stage, webhook)

	var jobs backend.Backend
	var nodes server.NodeServer
	components := []service{logs, webhook, stage, completion}
	switch c.Backend {
	case config.BACKEND_LOCAL:
		b := local.New(s, runner, artifacts, logs, completion, local.Options{
			Architectures: c.Architectures,
			Parallel:      c.Local.Parallel,
		})
		jobs = b
		components = append(components, b)
	default:
		registry := remote.New(completion, remote.Options{
			Architectures:     c.Architectures,
			HeartbeatInterval: c.HeartbeatInterval,
			MaxMissed:         c.HeartbeatMaxMissed,
		})
		jobs, nodes = registry, registry
		components = append(components, registry)
	}

	sched := scheduler.New(s, machine, jobs, logs, scheduler.Options{
		PackageSourceBaseURL: c.PackageSourceBaseURL(),
		KeyURL:               c.Apt.KeyURL,
		RunLintChecks:        c.RunLintChecks,
		Interval:             c.ScheduleInterval,
	})
	machine.OnReschedule(sched.Trigger)
	logs.OnDone(completion.LoggingDone)

	tasks := dispatcher.New(s, machine, vcs.New(c.GitStoragePath), artifacts, stage, sched, runner, logs, dispatcher.Options{
		RetryDelay: c.RetryDelay,
		RetryMax:   c.RetryMax,
	})
	components = append(components, sched, tasks)
	if err := tasks.Reconcile(); err != nil {
		return err
	}

	if c.Backend == config.BACKEND_REMOTE && c.Hetzner.Token != "" {
		cloud := provision.NewHetzner(provision.HetznerOptions{
			Token:         c.Hetzner.Token,
			SSHKeyName:    c.Hetzner.SSHKeyName,
			Location:      c.Hetzner.Location,
			Image:         c.Hetzner.Image,
			ServerTypes:   c.Hetzner.ServerTypes,
			WorkerImage:   c.Hetzner.WorkerImage,
			ControllerURI: c.ExternalURI,
		})
		components = append(components, provision.New(s, cloud, jobs, provision.Options{
			MaxVMs:   c.Hetzner.MaxVMs,
			Lifetime: c.Hetzner.VMLifetime,
		}))
	}

	api := &server.Server{
		Store:      s,
		Machine:    machine,
		Dispatcher: tasks,
		Backend:    jobs,
		Nodes:      nodes,
		Logs:       logs,
		Artifacts:  artifacts,
	}
	httpServer := &http.Server{Addr: c.Addr, Handler: api.NewRouter()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	for _, component := range components {
		component := component
		g.Go(func() error { return component.Run(ctx) })
	}
	g.Go(func() error {
		log.Infof("Starting deb-ci controller on %s", c.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	// Builds left waiting by a previous run get picked up right away.
	sched.Trigger()
	return g.Wait()
}

func initializeOrUpdateGitRepositories(c config.Config) error {
	s, err := store.Open(c.DB.Driver, c.DB.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	repositories, err := store.AllRepositories(s.DB)
	if err != nil {
		return err
	}
	storage := vcs.New(c.GitStoragePath)

	log.Infof("Initializing %d repositories…", len(repositories))
	bar := pb.StartNew(len(repositories))
	for _, repository := range repositories {
		bar.Increment()

		state := model.REPOSITORY_STATE_READY
		if err := storage.CloneOrFetch(context.Background(), repository); err != nil {
			log.Errorf("Failed to clone/fetch %s: %s", repository.Name, err)
			state = model.REPOSITORY_STATE_ERROR
		}
		if err := store.SetRepositoryState(s.DB, repository.Id, state); err != nil {
			log.Errorf("Failed to update state of %s: %s", repository.Name, err)
		}
	}
	bar.Finish()
	return nil
}
