// Package qbusiness adapts the Amazon Q Business chat API: streaming chat
// calls made with per-user credentials, and message feedback.
package qbusiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness/types"
	"github.com/google/uuid"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/stream"
)

type chatAPI interface {
	Chat(ctx context.Context, in *qbusiness.ChatInput, optFns ...func(*qbusiness.Options)) (*qbusiness.ChatOutput, error)
	PutFeedback(ctx context.Context, in *qbusiness.PutFeedbackInput, optFns ...func(*qbusiness.Options)) (*qbusiness.PutFeedbackOutput, error)
}

// eventStream is the duplex stream of a chat call.
type eventStream interface {
	Send(ctx context.Context, ev types.ChatInputStream) error
	Events() <-chan types.ChatOutputStream
	Close() error
	Err() error
}

// ChatRequest is one user message sent to the application.
type ChatRequest struct {
	Credentials     domain.Credentials
	Message         string
	Attachments     []domain.Attachment
	ConversationID  string
	ParentMessageID string
}

// FeedbackRequest rates one answer.
type FeedbackRequest struct {
	Credentials    domain.Credentials
	ConversationID string
	MessageID      string
	Useful         bool
	SubmittedAt    time.Time
}

// Client opens chat calls against one Q Business application. A new SDK
// client is built per call from the end user's credentials.
type Client struct {
	base          aws.Config
	applicationID string
	region        string
	endpoint      string
	logger        *slog.Logger

	newAPI      func(creds domain.Credentials) chatAPI
	openStream  func(ctx context.Context, api chatAPI, in *qbusiness.ChatInput) (eventStream, error)
	clientToken func() string
}

type Option func(*Client)

// WithEndpoint overrides the service endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimSpace(endpoint)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client for applicationID in region.
func New(base aws.Config, applicationID, region string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(applicationID) == "" {
		return nil, errors.New("qbusiness: application id must not be empty")
	}
	if strings.TrimSpace(region) == "" {
		return nil, errors.New("qbusiness: region must not be empty")
	}
	c := &Client{
		base:          base,
		applicationID: applicationID,
		region:        region,
		logger:        slog.Default(),
		openStream:    openChatStream,
		clientToken:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.newAPI = c.sdkClient
	return c, nil
}

func (c *Client) sdkClient(creds domain.Credentials) chatAPI {
	return qbusiness.NewFromConfig(c.base, func(o *qbusiness.Options) {
		o.Region = c.region
		o.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}

func openChatStream(ctx context.Context, api chatAPI, in *qbusiness.ChatInput) (eventStream, error) {
	out, err := api.Chat(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// Chat sends the message and its attachments and returns the response
// stream. The returned Source must be closed by the caller.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (stream.Source, error) {
	in := &qbusiness.ChatInput{
		ApplicationId: aws.String(c.applicationID),
		ClientToken:   aws.String(c.clientToken()),
	}
	if req.ConversationID != "" {
		in.ConversationId = aws.String(req.ConversationID)
		if req.ParentMessageID != "" {
			in.ParentMessageId = aws.String(req.ParentMessageID)
		}
	}

	es, err := c.openStream(ctx, c.newAPI(req.Credentials), in)
	if err != nil {
		return nil, fmt.Errorf("qbusiness: chat: %w", err)
	}
	if err := sendInput(ctx, es, req); err != nil {
		_ = es.Close()
		return nil, fmt.Errorf("qbusiness: chat send: %w", err)
	}
	return newSource(es, c.logger), nil
}

func sendInput(ctx context.Context, es eventStream, req ChatRequest) error {
	if err := es.Send(ctx, &types.ChatInputStreamMemberTextEvent{
		Value: types.TextInputEvent{UserMessage: aws.String(req.Message)},
	}); err != nil {
		return err
	}
	for _, a := range req.Attachments {
		if err := es.Send(ctx, &types.ChatInputStreamMemberAttachmentEvent{
			Value: types.AttachmentInputEvent{Attachment: &types.AttachmentInput{
				Name: aws.String(a.Name),
				Data: a.Data,
			}},
		}); err != nil {
			return fmt.Errorf("attachment %q: %w", a.Name, err)
		}
	}
	return es.Send(ctx, &types.ChatInputStreamMemberEndOfInputEvent{Value: types.EndOfInputEvent{}})
}

// PutFeedback records whether an answer was useful.
func (c *Client) PutFeedback(ctx context.Context, req FeedbackRequest) error {
	if req.ConversationID == "" || req.MessageID == "" {
		return errors.New("qbusiness: feedback: conversation id and message id are required")
	}
	usefulness := types.MessageUsefulnessNotUseful
	reason := types.MessageUsefulnessReasonNotHelpful
	if req.Useful {
		usefulness = types.MessageUsefulnessUseful
		reason = types.MessageUsefulnessReasonHelpful
	}
	_, err := c.newAPI(req.Credentials).PutFeedback(ctx, &qbusiness.PutFeedbackInput{
		ApplicationId:  aws.String(c.applicationID),
		ConversationId: aws.String(req.ConversationID),
		MessageId:      aws.String(req.MessageID),
		MessageUsefulness: &types.MessageUsefulnessFeedback{
			Usefulness:  usefulness,
			Reason:      reason,
			SubmittedAt: aws.Time(req.SubmittedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("qbusiness: put feedback: %w", err)
	}
	return nil
}
