package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"qchat-gateway/internal/integrations/qbusiness"
	"qchat-gateway/internal/integrations/slack"
)

const (
	feedbackThanks  = "Thanks for your feedback"
	newConversation = "Starting New Conversation"
	sourcesTitle    = "Source(s)"
)

// Action is one button press on a message posted by the gateway.
type Action struct {
	ActionID  string
	Value     string
	User      string
	TriggerID string
	Message   slack.MessageRef
}

// InteractionService handles button actions and the reset command.
type InteractionService struct {
	sessions  CredentialProvider
	backend   ChatBackend
	messenger Messenger
	cache     ConversationCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewInteractionService(sessions CredentialProvider, backend ChatBackend, messenger Messenger, cache ConversationCache, logger *slog.Logger) (*InteractionService, error) {
	if sessions == nil || backend == nil || messenger == nil || cache == nil {
		return nil, errors.New("usecase: interaction dependencies must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionService{
		sessions:  sessions,
		backend:   backend,
		messenger: messenger,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// HandleAction dispatches a. Unknown actions, including the sign-in link
// button, are ignored.
func (s *InteractionService) HandleAction(ctx context.Context, a Action) error {
	switch a.ActionID {
	case slack.ActionViewSources:
		return s.viewSources(ctx, a)
	case slack.ActionFeedbackUp:
		return s.feedback(ctx, a, true)
	case slack.ActionFeedbackDown:
		return s.feedback(ctx, a, false)
	default:
		s.logger.Debug("ignoring action", "stage", "interaction", "action_id", a.ActionID)
		return nil
	}
}

func (s *InteractionService) viewSources(ctx context.Context, a Action) error {
	if a.TriggerID == "" || a.Value == "" {
		return newError(ErrorInvalidInput, "missing_trigger_or_value", nil)
	}
	meta, ok, err := s.cache.GetMessageMetadata(ctx, a.Value)
	if err != nil {
		return newError(ErrorInternal, "dynamodb_metadata_read_error", err)
	}
	if !ok {
		return newError(ErrorInvalidInput, "unknown_message", nil)
	}
	if err := s.messenger.OpenModal(ctx, a.TriggerID, slack.SourcesModal(sourcesTitle, meta.SourceAttributions)); err != nil {
		return newError(ErrorUpstream, "slack_modal_error", err)
	}
	return nil
}

func (s *InteractionService) feedback(ctx context.Context, a Action, useful bool) error {
	if a.User == "" || a.Value == "" {
		return newError(ErrorInvalidInput, "missing_user_or_value", nil)
	}
	meta, ok, err := s.cache.GetMessageMetadata(ctx, a.Value)
	if err != nil {
		return newError(ErrorInternal, "dynamodb_metadata_read_error", err)
	}
	if !ok {
		return newError(ErrorInvalidInput, "unknown_message", nil)
	}
	creds, err := s.sessions.GetSessionCredentials(ctx, a.User)
	if err != nil {
		return err
	}
	if err := s.backend.PutFeedback(ctx, qbusiness.FeedbackRequest{
		Credentials:    creds,
		ConversationID: meta.ConversationID,
		MessageID:      meta.SystemMessageID,
		Useful:         useful,
		SubmittedAt:    s.now(),
	}); err != nil {
		return classify(err, "feedback_error", ErrorUpstream)
	}
	if a.Message.Channel == "" || a.Message.TS == "" {
		return nil
	}
	if err := s.messenger.UpdateMessage(ctx, a.Message, feedbackThanks, []slack.Block{slack.MarkdownBlock(feedbackThanks)}); err != nil {
		return newError(ErrorUpstream, "slack_update_error", err)
	}
	return nil
}

// ResetConversation forgets the channel's conversation so the next message
// starts a new one.
func (s *InteractionService) ResetConversation(ctx context.Context, team, channel string) error {
	if channel == "" {
		return newError(ErrorInvalidInput, "missing_channel", nil)
	}
	if err := s.cache.DeleteConversationContext(ctx, channelKey("message", team, channel, "", "")); err != nil {
		return newError(ErrorInternal, "dynamodb_context_delete_error", err)
	}
	if _, err := s.messenger.PostMessage(ctx, channel, newConversation, []slack.Block{slack.MarkdownBlock(newConversation)}, ""); err != nil {
		return newError(ErrorUpstream, "slack_post_error", err)
	}
	return nil
}
