package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hashworks/deb-ci/worker/agent"
	"github.com/hashworks/deb-ci/worker/container"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func getEnv(key string, defaultValue string) string {
	v := os.Getenv(key)
	if len(v) == 0 {
		return defaultValue
	}
	return v
}

func defaultArch() string {
	switch runtime.GOARCH {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	case "ppc64le":
		return "ppc64el"
	}
	return runtime.GOARCH
}

func main() {
	var (
		controllerURI string
		arch          string
		name          string
		timeout       time.Duration
		logLevel      string
	)
	hostname, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Build Debian packages for a deb-ci controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			runner, err := container.NewRunner(container.Options{Timeout: timeout})
			if err != nil {
				return err
			}
			defer runner.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runner.Ping(ctx); err != nil {
				return err
			}
			runner.RemoveOldContainers(ctx)

			log.Infof("Connecting to controller at %s as %s (%s)", controllerURI, name, arch)
			return agent.New(runner, agent.Options{
				ControllerURL: controllerURI,
				Arch:          arch,
				Name:          name,
			}).Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&controllerURI, "controller", getEnv("CONTROLLER_URI", "http://127.0.0.1:8080"), "Controller URI [$CONTROLLER_URI]")
	flags.StringVar(&arch, "arch", getEnv("WORKER_ARCH", defaultArch()), "Debian architecture to build for [$WORKER_ARCH]")
	flags.StringVar(&name, "name", getEnv("WORKER_NAME", hostname), "Node name [$WORKER_NAME]")
	flags.DurationVar(&timeout, "timeout", 2*time.Hour, "Build timeout")
	flags.StringVar(&logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level [$LOG_LEVEL]")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
