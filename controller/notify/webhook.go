// Package notify delivers build events to a webhook.
package notify

import (
	"context"
	"time"

	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/model"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

const (
	EVENT_BUILD_CHANGED = "build_changed"
	EVENT_BUILD_FAILED  = "build_failed"
)

type Event struct {
	Event string          `json:"Event"`
	Time  time.Time       `json:"Time"`
	Build model.BuildView `json:"Build"`
}

// Webhook posts events to a URL from its own goroutine. Without a URL
// events are dropped.
type Webhook struct {
	url    string
	client *resty.Client
	events *mailbox.Mailbox[Event]
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: resty.New().SetTimeout(10 * time.Second),
		events: mailbox.New[Event](),
	}
}

func (w *Webhook) push(event string, build model.Build) {
	if w.url == "" {
		return
	}
	w.events.Push(Event{
		Event: event,
		Time:  time.Now(),
		Build: model.NewBuildView(build, model.Maintainer{}),
	})
}

// BuildChanged is called after every state transition.
func (w *Webhook) BuildChanged(build model.Build) {
	w.push(EVENT_BUILD_CHANGED, build)
}

// BuildFailed is called once a release build failed for good.
func (w *Webhook) BuildFailed(build model.Build) {
	w.push(EVENT_BUILD_FAILED, build)
}

func (w *Webhook) Run(ctx context.Context) error {
	defer w.client.Close()
	for {
		event, err := w.events.Pop(ctx)
		if err != nil {
			return nil
		}
		w.deliver(ctx, event)
	}
}

func (w *Webhook) deliver(ctx context.Context, event Event) {
	response, err := w.client.R().SetContext(ctx).SetBody(event).Post(w.url)
	if err != nil {
		log.WithField("build_id", event.Build.Id).Errorf("Failed to deliver %s webhook: %s", event.Event, err)
		return
	}
	if response.IsError() {
		log.WithField("build_id", event.Build.Id).Errorf("Failed to deliver %s webhook: %s", event.Event, response.Status())
	}
}
