package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
)

const (
	fieldBotToken      = "SlackBotUserOAuthToken"
	fieldSigningSecret = "SlackSigningSecret"
	maxFileSize        = 10 << 20
)

var errFileTooLarge = errors.New("slack: file exceeds size limit")

// SecretResolver reads one field of a JSON secret.
type SecretResolver interface {
	Field(ctx context.Context, name, field string) (string, error)
}

// MessageRef identifies a posted message.
type MessageRef struct {
	Channel string
	TS      string
}

// User is the subset of users.info the gateway reads.
type User struct {
	ID       string
	RealName string
	Email    string
}

// Message is one entry of a thread history.
type Message struct {
	User  string `json:"user"`
	Text  string `json:"text"`
	TS    string `json:"ts"`
	Files []File `json:"files,omitempty"`
}

// File is a file shared in a message.
type File struct {
	Name        string `json:"name"`
	FileType    string `json:"filetype"`
	URLDownload string `json:"url_private_download"`
}

// Client sends bot messages through the Slack Web API. The bot token is
// resolved from the JSON secret on every call so rotations are picked up.
type Client struct {
	apiURL     string
	httpClient *http.Client
	secrets    SecretResolver
	secretName string
}

type Option func(*Client)

// WithAPIURL points the client at a different Web API root.
func WithAPIURL(apiURL string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimSpace(apiURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose bot token and signing secret are read from
// the JSON secret secretName.
func NewClient(secrets SecretResolver, secretName string, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("slack: secret resolver must not be nil")
	}
	secretName = strings.TrimSpace(secretName)
	if secretName == "" {
		return nil, errors.New("slack: secret name must not be empty")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		secrets:    secrets,
		secretName: secretName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) api(ctx context.Context) (*slackapi.Client, error) {
	token, err := c.secrets.Field(ctx, c.secretName, fieldBotToken)
	if err != nil {
		return nil, fmt.Errorf("slack: resolve bot token: %w", err)
	}
	var opts []slackapi.Option
	if c.apiURL != "" {
		opts = append(opts, slackapi.OptionAPIURL(strings.TrimRight(c.apiURL, "/")+"/"))
	}
	if c.httpClient != nil {
		opts = append(opts, slackapi.OptionHTTPClient(c.httpClient))
	}
	return slackapi.New(token, opts...), nil
}

// PostMessage posts text and blocks to a channel, optionally in a thread.
func (c *Client) PostMessage(ctx context.Context, channel, text string, blocks []Block, threadTS string) (MessageRef, error) {
	api, err := c.api(ctx)
	if err != nil {
		return MessageRef{}, err
	}
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	}
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}
	ch, ts, err := api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return MessageRef{}, fmt.Errorf("slack: chat.postMessage: %w", err)
	}
	return MessageRef{Channel: ch, TS: ts}, nil
}

// UpdateMessage replaces the text and blocks of a posted message.
func (c *Client) UpdateMessage(ctx context.Context, ref MessageRef, text string, blocks []Block) error {
	if ref.Channel == "" || ref.TS == "" {
		return errors.New("slack: update message: channel and ts are required")
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	}
	if _, _, _, err := api.UpdateMessageContext(ctx, ref.Channel, ref.TS, opts...); err != nil {
		return fmt.Errorf("slack: chat.update: %w", err)
	}
	return nil
}

// OpenModal opens view in response to an interaction trigger.
func (c *Client) OpenModal(ctx context.Context, triggerID string, view ModalView) error {
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	if _, err := api.OpenViewContext(ctx, triggerID, view); err != nil {
		return fmt.Errorf("slack: views.open: %w", err)
	}
	return nil
}

// UserInfo looks up a workspace user.
func (c *Client) UserInfo(ctx context.Context, userID string) (User, error) {
	api, err := c.api(ctx)
	if err != nil {
		return User{}, err
	}
	u, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return User{}, fmt.Errorf("slack: users.info: %w", err)
	}
	return User{ID: u.ID, RealName: u.RealName, Email: u.Profile.Email}, nil
}

// ThreadReplies returns the messages of a thread, oldest first.
func (c *Client) ThreadReplies(ctx context.Context, channel, threadTS string) ([]Message, error) {
	api, err := c.api(ctx)
	if err != nil {
		return nil, err
	}
	params := &slackapi.GetConversationRepliesParameters{ChannelID: channel, Timestamp: threadTS}
	var out []Message
	for {
		msgs, hasMore, cursor, err := api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("slack: conversations.replies: %w", err)
		}
		for _, m := range msgs {
			out = append(out, toMessage(m))
		}
		if !hasMore || cursor == "" {
			return out, nil
		}
		params.Cursor = cursor
	}
}

func toMessage(m slackapi.Message) Message {
	msg := Message{User: m.User, Text: m.Text, TS: m.Timestamp}
	for _, f := range m.Files {
		msg.Files = append(msg.Files, File{Name: f.Name, FileType: f.Filetype, URLDownload: f.URLPrivateDownload})
	}
	return msg
}

// cappedBuffer fails writes past limit bytes.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		return 0, errFileTooLarge
	}
	return b.Buffer.Write(p)
}

// DownloadFile fetches a private file with the bot token.
func (c *Client) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	api, err := c.api(ctx)
	if err != nil {
		return nil, err
	}
	buf := &cappedBuffer{limit: maxFileSize}
	if err := api.GetFileContext(ctx, fileURL, buf); err != nil {
		return nil, fmt.Errorf("slack: download file: %w", err)
	}
	return buf.Bytes(), nil
}
