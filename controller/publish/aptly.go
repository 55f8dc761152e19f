package publish

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

const component = "main"

// Target is one publish point: a project version of a base mirror and a
// channel.
type Target struct {
	BaseMirrorProject string
	BaseMirrorName    string
	Project           string
	Version           string
	Channel           string
}

// Prefix is the path of the publish point below the apt base URL.
func (t Target) Prefix() string {
	return strings.Join([]string{t.BaseMirrorProject, t.BaseMirrorName, t.Project, t.Version}, "/")
}

func (t Target) Distribution() string {
	return t.Version + "-" + t.Channel
}

func (t Target) repositoryName() string {
	return strings.Join([]string{t.BaseMirrorProject, t.BaseMirrorName, t.Project, t.Version, t.Channel}, "-")
}

// Aptly talks to the REST API of an aptly server.
type Aptly struct {
	client *resty.Client
}

func NewAptly(url, user, password string) *Aptly {
	client := resty.New().SetBaseURL(strings.TrimSuffix(url, "/"))
	if user != "" {
		client.SetBasicAuth(user, password)
	}
	return &Aptly{client: client}
}

func (a *Aptly) Close() error {
	return a.client.Close()
}

// escapePrefix encodes a publish prefix the way the aptly API expects it
// in URLs.
func escapePrefix(prefix string) string {
	return strings.ReplaceAll(strings.ReplaceAll(prefix, "_", "__"), "/", "_")
}

func checkResponse(response *resty.Response, err error, action string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if response.IsError() {
		return fmt.Errorf("failed to %s: %d %s", action, response.StatusCode(), strings.TrimSpace(response.String()))
	}
	return nil
}

// Init creates the local repository of a target if it does not exist yet.
func (a *Aptly) Init(ctx context.Context, target Target) error {
	name := target.repositoryName()
	response, err := a.client.R().SetContext(ctx).Get("/api/repos/" + name)
	if err == nil && response.StatusCode() == http.StatusOK {
		return nil
	}
	if err != nil || response.StatusCode() != http.StatusNotFound {
		return checkResponse(response, err, "get repository "+name)
	}

	response, err = a.client.R().SetContext(ctx).
		SetBody(map[string]string{
			"Name":                name,
			"DefaultDistribution": target.Distribution(),
			"DefaultComponent":    component,
		}).
		Post("/api/repos")
	return checkResponse(response, err, "create repository "+name)
}

// Publish uploads files, adds them to the repository of the target and
// updates or creates its publish point.
func (a *Aptly) Publish(ctx context.Context, target Target, uploadDir string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := a.Init(ctx, target); err != nil {
		return err
	}
	name := target.repositoryName()

	request := a.client.R().SetContext(ctx)
	for _, file := range files {
		request.SetFile("file", file)
	}
	response, err := request.Post("/api/files/" + uploadDir)
	if err := checkResponse(response, err, "upload files"); err != nil {
		return err
	}

	response, err = a.client.R().SetContext(ctx).Post(fmt.Sprintf("/api/repos/%s/file/%s", name, uploadDir))
	if err := checkResponse(response, err, "add files to "+name); err != nil {
		return err
	}

	prefix := escapePrefix(target.Prefix())
	response, err = a.client.R().SetContext(ctx).
		SetBody(map[string]interface{}{"ForceOverwrite": true}).
		Put(fmt.Sprintf("/api/publish/%s/%s", prefix, target.Distribution()))
	if err == nil && response.StatusCode() == http.StatusNotFound {
		log.Infof("Creating publish point %s %s", target.Prefix(), target.Distribution())
		response, err = a.client.R().SetContext(ctx).
			SetBody(map[string]interface{}{
				"SourceKind":   "local",
				"Sources":      []map[string]string{{"Name": name, "Component": component}},
				"Distribution": target.Distribution(),
			}).
			Post("/api/publish/" + prefix)
	}
	return checkResponse(response, err, "publish "+name)
}
