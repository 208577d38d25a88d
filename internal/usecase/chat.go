package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/integrations/qbusiness"
	"qchat-gateway/internal/integrations/slack"
	"qchat-gateway/internal/stream"
)

const (
	processingMsg  = "Processing..."
	feedbackPrompt = "Open Slack to provide feedback"
	signInMsg      = "Sign in to Amazon Q"

	defaultContextTTL = 90 * 24 * time.Hour
)

type Messenger interface {
	PostMessage(ctx context.Context, channel, text string, blocks []slack.Block, threadTS string) (slack.MessageRef, error)
	UpdateMessage(ctx context.Context, ref slack.MessageRef, text string, blocks []slack.Block) error
	OpenModal(ctx context.Context, triggerID string, view slack.ModalView) error
	UserInfo(ctx context.Context, userID string) (slack.User, error)
	ThreadReplies(ctx context.Context, channel, threadTS string) ([]slack.Message, error)
	DownloadFile(ctx context.Context, fileURL string) ([]byte, error)
}

type ChatBackend interface {
	Chat(ctx context.Context, req qbusiness.ChatRequest) (stream.Source, error)
	PutFeedback(ctx context.Context, req qbusiness.FeedbackRequest) error
}

type ConversationCache interface {
	GetConversationContext(ctx context.Context, channelKey string) (domain.ConversationContext, bool, error)
	PutConversationContext(ctx context.Context, cc domain.ConversationContext) error
	DeleteConversationContext(ctx context.Context, channelKey string) error
	PutMessageMetadata(ctx context.Context, meta domain.MessageMetadata) error
	GetMessageMetadata(ctx context.Context, messageID string) (domain.MessageMetadata, bool, error)
}

type CredentialProvider interface {
	StartSession(ctx context.Context, ownerID string) (string, error)
	GetSessionCredentials(ctx context.Context, ownerID string) (domain.Credentials, error)
}

// ChatConfig tunes the chat service.
type ChatConfig struct {
	ContextTTL     time.Duration
	FlushThreshold int
}

// ChatService answers one incoming chat message end to end.
type ChatService struct {
	sessions  CredentialProvider
	backend   ChatBackend
	messenger Messenger
	cache     ConversationCache
	cfg       ChatConfig
	logger    *slog.Logger
	now       func() time.Time
}

// MessageInput is an incoming message or mention.
type MessageInput struct {
	EventType string
	TeamID    string
	Channel   string
	User      string
	Text      string
	EventTS   string
	ThreadTS  string
	Files     []slack.File
}

func (in MessageInput) replyThread() string {
	if in.EventType == "app_mention" {
		return in.EventTS
	}
	return ""
}

func NewChatService(sessions CredentialProvider, backend ChatBackend, messenger Messenger, cache ConversationCache, cfg ChatConfig, logger *slog.Logger) (*ChatService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: credential provider must not be nil")
	}
	if backend == nil {
		return nil, errors.New("usecase: chat backend must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if cache == nil {
		return nil, errors.New("usecase: conversation cache must not be nil")
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = defaultContextTTL
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = stream.DefaultFlushThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		sessions:  sessions,
		backend:   backend,
		messenger: messenger,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// HandleMessage answers in. Owners without a usable session get a sign-in
// prompt instead of an answer.
func (s *ChatService) HandleMessage(ctx context.Context, in MessageInput) error {
	if strings.TrimSpace(in.Channel) == "" || strings.TrimSpace(in.Text) == "" || in.User == "" {
		return newError(ErrorInvalidInput, "missing_channel_text_or_user", nil)
	}
	log := s.logger.With("owner_id", in.User)

	creds, err := s.sessions.GetSessionCredentials(ctx, in.User)
	if err != nil {
		if NeedsSignIn(err) {
			return s.promptSignIn(ctx, in)
		}
		log.Error("load credentials failed", "stage", "chat_credentials", "error", err)
		s.postError(ctx, in)
		return err
	}

	key := channelKey(in.EventType, in.TeamID, in.Channel, in.EventTS, in.ThreadTS)
	cc, ok, err := s.cache.GetConversationContext(ctx, key)
	if err != nil {
		s.postError(ctx, in)
		return newError(ErrorInternal, "dynamodb_context_read_error", err)
	}
	req := qbusiness.ChatRequest{Credentials: creds}
	if ok {
		req.ConversationID = cc.ConversationID
		req.ParentMessageID = cc.ParentMessageID
	}

	var history []historyEntry
	var attachments []domain.Attachment
	if in.ThreadTS != "" {
		history, attachments = s.threadHistory(ctx, in)
		if len(history) > 0 {
			// the history is injected into the prompt, so continue as a new conversation
			req.ConversationID, req.ParentMessageID = "", ""
		}
	}
	prompt, err := buildPrompt(history, in.Text)
	if err != nil {
		s.postError(ctx, in)
		return newError(ErrorInternal, "prompt_build_error", err)
	}
	req.Message = truncateInput(prompt)

	attachments = append(attachments, s.download(ctx, in.Files)...)
	if len(attachments) > maxAttachments {
		log.Debug("too many attachments", "stage", "chat_attachments", "count", len(attachments))
		attachments = attachments[len(attachments)-maxAttachments:]
	}
	req.Attachments = attachments

	ref, err := s.messenger.PostMessage(ctx, in.Channel, processingMsg, []slack.Block{slack.MarkdownBlock(processingMsg)}, in.replyThread())
	if err != nil {
		return newError(ErrorUpstream, "slack_post_error", err)
	}

	agg, err := stream.New(
		&messageUpdater{messenger: s.messenger, ref: ref},
		&turnRecorder{cache: s.cache, channelKey: key, ttl: s.cfg.ContextTTL, now: s.now},
		stream.WithThreshold(s.cfg.FlushThreshold),
		stream.WithLogger(log),
	)
	if err != nil {
		return newError(ErrorInternal, "aggregator_init_error", err)
	}

	src, err := s.backend.Chat(ctx, req)
	if err != nil {
		if ferr := agg.Fail(ctx, err); ferr != nil {
			log.Error("error flush failed", "stage", "chat_call", "error", ferr)
		}
		return classify(err, "chat_call_error", ErrorUpstream)
	}
	turn, err := agg.Consume(ctx, src)
	if err != nil {
		return classify(err, "chat_stream_error", ErrorUpstream)
	}
	if turn.Incomplete {
		return nil
	}

	if _, err := s.messenger.PostMessage(ctx, in.Channel, feedbackPrompt, slack.FeedbackBlocks(turn.ConversationID, turn.SystemMessageID), in.replyThread()); err != nil {
		log.Warn("post feedback buttons failed", "stage", "chat_feedback", "error", err)
	}
	return nil
}

func (s *ChatService) promptSignIn(ctx context.Context, in MessageInput) error {
	authURL, err := s.sessions.StartSession(ctx, in.User)
	if err != nil {
		s.logger.Error("start session failed", "stage", "chat_sign_in", "owner_id", in.User, "error", err)
		s.postError(ctx, in)
		return err
	}
	if _, err := s.messenger.PostMessage(ctx, in.Channel, signInMsg, slack.SignInBlocks(authURL), in.replyThread()); err != nil {
		return newError(ErrorUpstream, "slack_post_error", err)
	}
	return nil
}

func (s *ChatService) postError(ctx context.Context, in MessageInput) {
	msg := stream.DefaultErrorMessage
	if _, err := s.messenger.PostMessage(ctx, in.Channel, msg, []slack.Block{slack.MarkdownBlock(msg)}, in.replyThread()); err != nil {
		s.logger.Warn("post error message failed", "stage", "chat_error", "error", err)
	}
}

// threadHistory collects earlier thread messages and their attachments.
// The last reply is the message being answered and is skipped.
func (s *ChatService) threadHistory(ctx context.Context, in MessageInput) ([]historyEntry, []domain.Attachment) {
	msgs, err := s.messenger.ThreadReplies(ctx, in.Channel, in.ThreadTS)
	if err != nil {
		s.logger.Warn("read thread history failed", "stage", "chat_history", "error", err)
		return nil, nil
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	names := map[string]string{}
	var history []historyEntry
	var attachments []domain.Attachment
	for _, m := range msgs[:len(msgs)-1] {
		if m.User == "" {
			continue
		}
		name, ok := names[m.User]
		if !ok {
			if u, err := s.messenger.UserInfo(ctx, m.User); err == nil {
				name = u.RealName
			}
			names[m.User] = name
		}
		history = append(history, historyEntry{Name: name, Message: stripMentions(m.Text), Date: slackTSToISO(m.TS)})
		attachments = append(attachments, s.download(ctx, m.Files)...)
	}
	return history, attachments
}

func (s *ChatService) download(ctx context.Context, files []slack.File) []domain.Attachment {
	var out []domain.Attachment
	for _, f := range files {
		if !attachable(f) {
			s.logger.Debug("ignoring unsupported attachment", "stage", "chat_attachments", "filetype", f.FileType)
			continue
		}
		data, err := s.messenger.DownloadFile(ctx, f.URLDownload)
		if err != nil {
			s.logger.Warn("download attachment failed", "stage", "chat_attachments", "name", f.Name, "error", err)
			continue
		}
		out = append(out, domain.Attachment{Name: f.Name, Data: data})
	}
	return out
}

// messageUpdater renders aggregator updates into the placeholder message.
type messageUpdater struct {
	messenger Messenger
	ref       slack.MessageRef
}

func (u *messageUpdater) Update(ctx context.Context, up stream.Update) error {
	blocks := []slack.Block{slack.MarkdownBlock(up.Text)}
	if up.Final && !up.Error {
		blocks = slack.ResponseBlocks(up.Text, up.SystemMessageID, up.SourceAttributions)
	}
	return u.messenger.UpdateMessage(ctx, u.ref, up.Text, blocks)
}

// turnRecorder saves the conversation context and message metadata of a
// completed turn concurrently.
type turnRecorder struct {
	cache      ConversationCache
	channelKey string
	ttl        time.Duration
	now        func() time.Time
}

func (r *turnRecorder) Record(ctx context.Context, t stream.Turn) error {
	now := r.now()
	expireAt := now.Add(r.ttl).Unix()

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return r.cache.PutConversationContext(ctx, domain.ConversationContext{
			ChannelKey:      r.channelKey,
			ConversationID:  t.ConversationID,
			ParentMessageID: t.SystemMessageID,
			LatestTs:        now,
			ExpireAt:        expireAt,
		})
	})
	p.Go(func(ctx context.Context) error {
		return r.cache.PutMessageMetadata(ctx, domain.MessageMetadata{
			MessageID:          t.SystemMessageID,
			ConversationID:     t.ConversationID,
			SystemMessageID:    t.SystemMessageID,
			UserMessageID:      t.UserMessageID,
			SourceAttributions: t.SourceAttributions,
			Ts:                 now.Unix(),
			ExpireAt:           expireAt,
		})
	})
	return p.Wait()
}
