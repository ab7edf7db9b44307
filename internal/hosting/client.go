// Package hosting talks to the application hosting API on behalf of a user.
// Every call takes the user's plaintext API key; the client never stores it.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/restclient"
)

// ErrInvalidCredential is returned when the hosting API rejects the key.
var ErrInvalidCredential = errors.New("hosting: api key rejected")

// ErrUnknownAction is returned for an application action the API does not offer.
var ErrUnknownAction = errors.New("hosting: unknown application action")

// Application is a materialized deployment. The list endpoint fills the
// descriptive fields; CreateApplication only sets ID and Tag.
type Application struct {
	ID      string
	Tag     string
	Lang    string
	Cluster string
	RAM     int
}

// AppAction is a management operation on an existing application.
type AppAction string

const (
	ActionStart   AppAction = "start"
	ActionStop    AppAction = "stop"
	ActionRestart AppAction = "restart"
	ActionLogs    AppAction = "logs"
	ActionDelete  AppAction = "delete"
)

// ParseAppAction normalizes raw into a known action.
func ParseAppAction(raw string) (AppAction, error) {
	switch action := AppAction(strings.ToLower(strings.TrimSpace(raw))); action {
	case ActionStart, ActionStop, ActionRestart, ActionLogs, ActionDelete:
		return action, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// Ref renders the reference stored on the ticket.
func (a Application) Ref() string {
	if a.Tag == "" {
		return a.ID
	}
	return a.ID + ":" + a.Tag
}

// Client is the hosting API surface used by the service.
type Client interface {
	VerifyKey(ctx context.Context, apiKey string) error
	UploadArtifact(ctx context.Context, apiKey, fileName string, content []byte) (string, error)
	CreateApplication(ctx context.Context, apiKey, artifactID string) (*Application, error)
	ListApplications(ctx context.Context, apiKey string) ([]Application, error)
	// ApplicationAction runs action on appID. Only ActionLogs returns text.
	ApplicationAction(ctx context.Context, apiKey, appID string, action AppAction) (string, error)
}

type envelope[T any] struct {
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	Response T      `json:"response"`
}

type httpClient struct {
	baseURL string
	timeout time.Duration
}

// NewHTTPClient builds a REST client for the configured hosting API.
func NewHTTPClient(cfg config.HostingConfig) Client {
	return &httpClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (c *httpClient) VerifyKey(ctx context.Context, apiKey string) error {
	agent := fiber.Get(c.baseURL + "/v2/users/me")
	agent.Set("Authorization", apiKey)
	_, err := restclient.Do(ctx, agent, c.timeout, nil)
	return classify("verify key", err)
}

func (c *httpClient) UploadArtifact(ctx context.Context, apiKey, fileName string, content []byte) (string, error) {
	agent := fiber.Post(c.baseURL + "/v2/files")
	agent.Set("Authorization", apiKey)
	agent.FileData(&fiber.FormFile{Fieldname: "file", Name: fileName, Content: content}).MultipartForm(nil)

	var resp envelope[struct {
		ID string `json:"id"`
	}]
	if _, err := restclient.Do(ctx, agent, c.timeout, &resp); err != nil {
		return "", classify("upload artifact", err)
	}
	if resp.Response.ID == "" {
		return "", fmt.Errorf("upload artifact: empty file id (status %q)", resp.Status)
	}
	return resp.Response.ID, nil
}

func (c *httpClient) CreateApplication(ctx context.Context, apiKey, artifactID string) (*Application, error) {
	agent := fiber.Post(c.baseURL + "/v2/apps")
	agent.Set("Authorization", apiKey)
	agent.JSON(fiber.Map{"file_id": artifactID})

	var resp envelope[struct {
		ID   string `json:"id"`
		Tag  string `json:"tag"`
		Name string `json:"name"`
	}]
	if _, err := restclient.Do(ctx, agent, c.timeout, &resp); err != nil {
		return nil, classify("create application", err)
	}
	if resp.Response.ID == "" {
		return nil, fmt.Errorf("create application: empty application id (status %q)", resp.Status)
	}
	tag := resp.Response.Tag
	if tag == "" {
		tag = resp.Response.Name
	}
	return &Application{ID: resp.Response.ID, Tag: tag}, nil
}

func (c *httpClient) ListApplications(ctx context.Context, apiKey string) ([]Application, error) {
	agent := fiber.Get(c.baseURL + "/v2/users/me")
	agent.Set("Authorization", apiKey)

	var resp envelope[struct {
		Applications []struct {
			ID      string `json:"id"`
			Tag     string `json:"tag"`
			Name    string `json:"name"`
			Lang    string `json:"lang"`
			Cluster string `json:"cluster"`
			RAM     int    `json:"ram"`
		} `json:"applications"`
	}]
	if _, err := restclient.Do(ctx, agent, c.timeout, &resp); err != nil {
		return nil, classify("list applications", err)
	}
	apps := make([]Application, 0, len(resp.Response.Applications))
	for _, a := range resp.Response.Applications {
		tag := a.Tag
		if tag == "" {
			tag = a.Name
		}
		apps = append(apps, Application{ID: a.ID, Tag: tag, Lang: a.Lang, Cluster: a.Cluster, RAM: a.RAM})
	}
	return apps, nil
}

func (c *httpClient) ApplicationAction(ctx context.Context, apiKey, appID string, action AppAction) (string, error) {
	op := "application " + string(action)
	if strings.TrimSpace(appID) == "" {
		return "", fmt.Errorf("%s: empty application id", op)
	}
	target := c.baseURL + "/v2/apps/" + url.PathEscape(appID)

	var agent *fiber.Agent
	switch action {
	case ActionStart, ActionStop, ActionRestart:
		agent = fiber.Post(target + "/" + string(action))
	case ActionLogs:
		agent = fiber.Get(target + "/logs")
	case ActionDelete:
		agent = fiber.Delete(target)
	default:
		return "", fmt.Errorf("%s: %w", op, ErrUnknownAction)
	}
	agent.Set("Authorization", apiKey)

	if action != ActionLogs {
		_, err := restclient.Do(ctx, agent, c.timeout, nil)
		return "", classify(op, err)
	}
	var resp envelope[struct {
		Logs string `json:"logs"`
	}]
	if _, err := restclient.Do(ctx, agent, c.timeout, &resp); err != nil {
		return "", classify(op, err)
	}
	return resp.Response.Logs, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch restclient.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrInvalidCredential)
	}
	return fmt.Errorf("%s: %w", op, err)
}
