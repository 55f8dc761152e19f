// Package agent connects an execution node to the controller and runs the
// jobs it is handed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/worker/container"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

const writeTimeout = 10 * time.Second

type Builder interface {
	Build(ctx context.Context, job model.Job, source io.Reader, out io.Writer, save container.SaveFunc) error
}

type Options struct {
	// ControllerURL is the http(s) base URL of the controller.
	ControllerURL  string
	Arch           string
	Name           string
	ReconnectDelay time.Duration
}

type Agent struct {
	builder   Builder
	options   Options
	client    *resty.Client
	startedAt time.Time
	// load returns the one minute load average.
	load func() float64
}

func New(builder Builder, options Options) *Agent {
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = 5 * time.Second
	}
	if options.Name == "" {
		options.Name, _ = os.Hostname()
	}
	options.ControllerURL = strings.TrimSuffix(options.ControllerURL, "/")
	return &Agent{
		builder:   builder,
		options:   options,
		client:    resty.New().SetBaseURL(options.ControllerURL),
		startedAt: time.Now(),
		load:      loadAverage,
	}
}

// Run keeps a connection to the controller until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	defer a.client.Close()
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("Lost connection to controller: %s", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.options.ReconnectDelay):
		}
	}
}

func (a *Agent) websocketURL() (string, error) {
	u, err := url.Parse(a.options.ControllerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/internal/ws/" + url.PathEscape(a.options.Arch) + "/" + url.PathEscape(a.options.Name)
	return u.String(), nil
}

// session is one websocket connection. A job still running when it ends
// is canceled, the controller fails it on its own.
type session struct {
	ws    *websocket.Conn
	mutex sync.Mutex

	jobMutex sync.Mutex
	buildId  int64
	cancel   context.CancelFunc
}

func (s *session) send(msg model.NodeMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteJSON(msg)
}

func (a *Agent) session(ctx context.Context) error {
	wsURL, err := a.websocketURL()
	if err != nil {
		return err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	log.Infof("Connected to %s", wsURL)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	s := &session{ws: ws}

	for {
		var msg model.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		switch {
		case msg.Ping != 0:
			if err := s.send(model.NodeMessage{Pong: a.pong()}); err != nil {
				return err
			}
		case msg.Task != nil:
			job := *msg.Task
			jobCtx, ok := s.start(ctx, job.BuildId)
			if !ok {
				log.WithField("build_id", job.BuildId).Warn("Ignoring task while another build is running")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.run(jobCtx, s, job)
			}()
		case msg.Abort != 0:
			s.abort(msg.Abort)
		}
	}
}

func (s *session) start(ctx context.Context, buildId int64) (context.Context, bool) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()
	if s.cancel != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.buildId, s.cancel = buildId, cancel
	return ctx, true
}

func (s *session) done() {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.buildId, s.cancel = 0, nil
}

func (s *session) abort(buildId int64) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()
	if s.cancel != nil && s.buildId == buildId {
		log.WithField("build_id", buildId).Info("Aborting build")
		s.cancel()
	}
}

func (a *Agent) pong() *model.Pong {
	return &model.Pong{
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		Load:          a.load(),
	}
}

func (a *Agent) run(ctx context.Context, s *session, job model.Job) {
	defer s.done()
	logger := log.WithField("build_id", job.BuildId)

	if err := s.send(model.NodeMessage{Status: model.NODE_STATUS_BUILDING}); err != nil {
		logger.Errorf("Failed to report build start: %s", err)
		return
	}
	status := model.NODE_STATUS_SUCCESS
	if err := a.build(ctx, job); err != nil {
		logger.Errorf("Build failed: %s", err)
		status = model.NODE_STATUS_FAILED
	} else {
		logger.Info("Build succeeded")
	}
	if err := s.send(model.NodeMessage{Status: status}); err != nil {
		logger.Errorf("Failed to report build result: %s", err)
	}
}

// build streams the log of the whole job, so every failure ends up in it,
// fetches the source archive, runs the build and uploads every result file.
func (a *Agent) build(ctx context.Context, job model.Job) error {
	reader, writer := io.Pipe()
	uploaded := make(chan error, 1)
	go func() {
		uploaded <- a.streamLog(ctx, job.Token, reader)
	}()

	buildErr := a.runBuilder(ctx, job, writer)
	if buildErr != nil {
		fmt.Fprintf(writer, "E: %s\n", buildErr)
	}
	writer.Close()
	if err := <-uploaded; err != nil {
		return errors.Join(buildErr, err)
	}
	return buildErr
}

func (a *Agent) runBuilder(ctx context.Context, job model.Job, out io.Writer) error {
	source, err := a.fetchSource(ctx, job.Token)
	if err != nil {
		return err
	}
	defer source.Close()

	return a.builder.Build(ctx, job, source, out, func(name string, r io.Reader) error {
		return a.upload(ctx, job.Token, name, r)
	})
}

func (a *Agent) fetchSource(ctx context.Context, token string) (io.ReadCloser, error) {
	response, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/internal/buildsource/" + token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source archive: %w", err)
	}
	if response.IsError() {
		response.Body.Close()
		return nil, fmt.Errorf("failed to fetch source archive: %s", response.Status())
	}
	return response.Body, nil
}

func (a *Agent) streamLog(ctx context.Context, token string, body io.Reader) error {
	// Unblocks the builder if the request ends early.
	defer io.Copy(io.Discard, body)
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(body).
		Put("/internal/buildlog/" + token)
	if err != nil {
		return fmt.Errorf("failed to stream build log: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("failed to stream build log: %s", response.Status())
	}
	return nil
}

func (a *Agent) upload(ctx context.Context, token, name string, r io.Reader) error {
	response, err := a.client.R().
		SetContext(ctx).
		SetFileReader("file", name, r).
		Post("/internal/buildupload/" + token)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if response.IsError() {
		return fmt.Errorf("failed to upload %s: %s: %s", name, response.Status(), response.String())
	}
	return nil
}

func loadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}
