// Package messaging is the chat platform REST client used to open, message
// and tear down ticket channels.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/restclient"
)

// ErrChannelNotFound is returned when the channel no longer exists.
var ErrChannelNotFound = errors.New("messaging: channel not found")

const (
	channelTypeText    = 0
	overwriteRole      = 0
	overwriteMember    = 1
	permViewChannel    = 1 << 10
	permSendMessages   = 1 << 11
	permAttachFiles    = 1 << 15
	permReadHistory    = 1 << 16
	ownerPermissions   = permViewChannel | permSendMessages | permAttachFiles | permReadHistory
	defaultTimeout     = 10 * time.Second
	maxMessageLength   = 2000
	maxChannelNameSize = 100
)

// Messenger is the subset of the chat platform the service depends on.
type Messenger interface {
	CreateChannel(ctx context.Context, guildID, parentID, name, ownerExternalID string) (string, error)
	SendMessage(ctx context.Context, channelID, content string) error
	DeleteChannel(ctx context.Context, channelID string) error
}

type overwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow"`
	Deny  string `json:"deny"`
}

type restMessenger struct {
	baseURL string
	token   string
	botID   string
}

// NewRESTMessenger builds a Messenger over the platform REST API.
func NewRESTMessenger(cfg config.MessagingConfig) Messenger {
	return &restMessenger{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BotToken,
		botID:   cfg.BotID,
	}
}

func (m *restMessenger) authorize(agent *fiber.Agent) *fiber.Agent {
	agent.Set("Authorization", "Bot "+m.token)
	return agent
}

// CreateChannel opens a private text channel visible to the owner and the bot only.
// The guild id doubles as the @everyone role id.
func (m *restMessenger) CreateChannel(ctx context.Context, guildID, parentID, name, ownerExternalID string) (string, error) {
	overwrites := []overwrite{
		{ID: guildID, Type: overwriteRole, Allow: "0", Deny: fmt.Sprint(permViewChannel)},
		{ID: ownerExternalID, Type: overwriteMember, Allow: fmt.Sprint(ownerPermissions), Deny: "0"},
	}
	if m.botID != "" {
		overwrites = append(overwrites, overwrite{ID: m.botID, Type: overwriteMember, Allow: fmt.Sprint(ownerPermissions), Deny: "0"})
	}
	payload := fiber.Map{
		"name":                  ChannelName(name),
		"type":                  channelTypeText,
		"permission_overwrites": overwrites,
	}
	if parentID != "" {
		payload["parent_id"] = parentID
	}

	agent := m.authorize(fiber.Post(fmt.Sprintf("%s/guilds/%s/channels", m.baseURL, guildID)))
	agent.JSON(payload)

	var resp struct {
		ID string `json:"id"`
	}
	if _, err := restclient.Do(ctx, agent, defaultTimeout, &resp); err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create channel: empty channel id")
	}
	return resp.ID, nil
}

func (m *restMessenger) SendMessage(ctx context.Context, channelID, content string) error {
	if len(content) > maxMessageLength {
		content = content[:maxMessageLength]
	}
	agent := m.authorize(fiber.Post(fmt.Sprintf("%s/channels/%s/messages", m.baseURL, channelID)))
	agent.JSON(fiber.Map{"content": content})
	if _, err := restclient.Do(ctx, agent, defaultTimeout, nil); err != nil {
		return mapChannelErr("send message", err)
	}
	return nil
}

func (m *restMessenger) DeleteChannel(ctx context.Context, channelID string) error {
	agent := m.authorize(fiber.Delete(fmt.Sprintf("%s/channels/%s", m.baseURL, channelID)))
	if _, err := restclient.Do(ctx, agent, defaultTimeout, nil); err != nil {
		return mapChannelErr("delete channel", err)
	}
	return nil
}

func mapChannelErr(op string, err error) error {
	if restclient.StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrChannelNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ChannelName normalizes a display name into a valid channel name.
func ChannelName(raw string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if name == "" {
		name = "ticket"
	}
	if len(name) > maxChannelNameSize {
		name = name[:maxChannelNameSize]
	}
	return name
}
