package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/integrations/qbusiness"
	"qchat-gateway/internal/integrations/slack"
	"qchat-gateway/internal/repository"
	"qchat-gateway/internal/stream"
)

type fakeCreds struct {
	creds    domain.Credentials
	err      error
	startURL string
	started  []string
}

func (f *fakeCreds) StartSession(_ context.Context, ownerID string) (string, error) {
	f.started = append(f.started, ownerID)
	return f.startURL, nil
}

func (f *fakeCreds) GetSessionCredentials(_ context.Context, _ string) (domain.Credentials, error) {
	return f.creds, f.err
}

type fakeSource struct {
	events chan stream.Event
	err    error
	closed bool
}

func newFakeSource(err error, evs ...stream.Event) *fakeSource {
	ch := make(chan stream.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return &fakeSource{events: ch, err: err}
}

func (s *fakeSource) Events() <-chan stream.Event { return s.events }
func (s *fakeSource) Err() error                  { return s.err }
func (s *fakeSource) Close() error                { s.closed = true; return nil }

type fakeBackend struct {
	src      *fakeSource
	chatErr  error
	requests []qbusiness.ChatRequest
	feedback []qbusiness.FeedbackRequest
	fbErr    error
}

func (f *fakeBackend) Chat(_ context.Context, req qbusiness.ChatRequest) (stream.Source, error) {
	f.requests = append(f.requests, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.src, nil
}

func (f *fakeBackend) PutFeedback(_ context.Context, req qbusiness.FeedbackRequest) error {
	f.feedback = append(f.feedback, req)
	return f.fbErr
}

type post struct {
	channel  string
	text     string
	blocks   []slack.Block
	threadTS string
}

type fakeMessenger struct {
	posts   []post
	updates []post
	modals  []slack.ModalView
	replies []slack.Message
	users   map[string]slack.User
	files   map[string][]byte
	postErr error
}

func (f *fakeMessenger) PostMessage(_ context.Context, channel, text string, blocks []slack.Block, threadTS string) (slack.MessageRef, error) {
	if f.postErr != nil {
		return slack.MessageRef{}, f.postErr
	}
	f.posts = append(f.posts, post{channel: channel, text: text, blocks: blocks, threadTS: threadTS})
	return slack.MessageRef{Channel: channel, TS: "100.000001"}, nil
}

func (f *fakeMessenger) UpdateMessage(_ context.Context, ref slack.MessageRef, text string, blocks []slack.Block) error {
	f.updates = append(f.updates, post{channel: ref.Channel, text: text, blocks: blocks, threadTS: ref.TS})
	return nil
}

func (f *fakeMessenger) OpenModal(_ context.Context, _ string, view slack.ModalView) error {
	f.modals = append(f.modals, view)
	return nil
}

func (f *fakeMessenger) UserInfo(_ context.Context, userID string) (slack.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return slack.User{}, errors.New("user_not_found")
	}
	return u, nil
}

func (f *fakeMessenger) ThreadReplies(_ context.Context, _, _ string) ([]slack.Message, error) {
	return f.replies, nil
}

func (f *fakeMessenger) DownloadFile(_ context.Context, fileURL string) ([]byte, error) {
	data, ok := f.files[fileURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

type memCache struct {
	mu       sync.Mutex
	contexts map[string]domain.ConversationContext
	metadata map[string]domain.MessageMetadata
	putErr   error
}

func newMemCache() *memCache {
	return &memCache{contexts: map[string]domain.ConversationContext{}, metadata: map[string]domain.MessageMetadata{}}
}

func (m *memCache) GetConversationContext(_ context.Context, key string) (domain.ConversationContext, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc, ok := m.contexts[key]
	return cc, ok, nil
}

func (m *memCache) PutConversationContext(_ context.Context, cc domain.ConversationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.contexts[cc.ChannelKey] = cc
	return nil
}

func (m *memCache) DeleteConversationContext(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, key)
	return nil
}

func (m *memCache) PutMessageMetadata(_ context.Context, meta domain.MessageMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[meta.MessageID] = meta
	return nil
}

func (m *memCache) GetMessageMetadata(_ context.Context, id string) (domain.MessageMetadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[id]
	return meta, ok, nil
}

var chatNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type chatHarness struct {
	svc       *ChatService
	creds     *fakeCreds
	backend   *fakeBackend
	messenger *fakeMessenger
	cache     *memCache
}

func newChatHarness(t *testing.T, src *fakeSource) *chatHarness {
	t.Helper()
	h := &chatHarness{
		creds:     &fakeCreds{creds: domain.Credentials{AccessKeyID: "AKIA"}, startURL: "https://idp.example.com/authorize?state=abc"},
		backend:   &fakeBackend{src: src},
		messenger: &fakeMessenger{users: map[string]slack.User{}, files: map[string][]byte{}},
		cache:     newMemCache(),
	}
	svc, err := NewChatService(h.creds, h.backend, h.messenger, h.cache, ChatConfig{ContextTTL: 24 * time.Hour}, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return chatNow }
	h.svc = svc
	return h
}

func directMessage(text string) MessageInput {
	return MessageInput{EventType: "message", TeamID: "T1", Channel: "D1", User: "U1", Text: text, EventTS: "1700000000.000100"}
}

func TestNewChatService_RejectsNilDependencies(t *testing.T) {
	_, err := NewChatService(nil, &fakeBackend{}, &fakeMessenger{}, newMemCache(), ChatConfig{}, nil)
	require.Error(t, err)
	_, err = NewChatService(&fakeCreds{}, &fakeBackend{}, &fakeMessenger{}, nil, ChatConfig{}, nil)
	require.Error(t, err)
}

func TestHandleMessage_AnswersAndRecordsTurn(t *testing.T) {
	src := newFakeSource(nil,
		stream.TextDelta{Text: "Hello", ConversationID: "c1", SystemMessageID: "s0"},
		stream.Metadata{ConversationID: "c1", SystemMessageID: "s1", UserMessageID: "u1", FinalText: "Hello world"},
	)
	h := newChatHarness(t, src)

	require.NoError(t, h.svc.HandleMessage(context.Background(), directMessage("<@B1> what is new?")))

	require.Len(t, h.backend.requests, 1)
	req := h.backend.requests[0]
	require.Equal(t, "what is new?", req.Message)
	require.Equal(t, "AKIA", req.Credentials.AccessKeyID)
	require.Empty(t, req.ConversationID)

	require.Len(t, h.messenger.posts, 2)
	require.Equal(t, processingMsg, h.messenger.posts[0].text)
	require.Equal(t, feedbackPrompt, h.messenger.posts[1].text)
	require.Empty(t, h.messenger.posts[0].threadTS)

	require.NotEmpty(t, h.messenger.updates)
	last := h.messenger.updates[len(h.messenger.updates)-1]
	require.Equal(t, "Hello world", last.text)

	cc, ok := h.cache.contexts["T1:D1"]
	require.True(t, ok)
	require.Equal(t, "c1", cc.ConversationID)
	require.Equal(t, "s1", cc.ParentMessageID)
	require.Equal(t, chatNow.Add(24*time.Hour).Unix(), cc.ExpireAt)

	meta, ok := h.cache.metadata["s1"]
	require.True(t, ok)
	require.Equal(t, "c1", meta.ConversationID)
	require.Equal(t, "u1", meta.UserMessageID)
	require.True(t, src.closed)
}

func TestHandleMessage_ContinuesStoredConversation(t *testing.T) {
	h := newChatHarness(t, newFakeSource(nil, stream.Metadata{ConversationID: "c1", SystemMessageID: "s2", FinalText: "ok"}))
	h.cache.contexts["T1:D1"] = domain.ConversationContext{ChannelKey: "T1:D1", ConversationID: "c1", ParentMessageID: "s1"}

	require.NoError(t, h.svc.HandleMessage(context.Background(), directMessage("next")))

	req := h.backend.requests[0]
	require.Equal(t, "c1", req.ConversationID)
	require.Equal(t, "s1", req.ParentMessageID)
	require.Equal(t, "s2", h.cache.contexts["T1:D1"].ParentMessageID)
}

func TestHandleMessage_SignInWhenNoSession(t *testing.T) {
	h := newChatHarness(t, nil)
	h.creds.err = newError(ErrorNoSession, "no_session", repository.ErrNoSession)

	in := MessageInput{EventType: "app_mention", TeamID: "T1", Channel: "C1", User: "U1", Text: "hi", EventTS: "1.2"}
	require.NoError(t, h.svc.HandleMessage(context.Background(), in))

	require.Equal(t, []string{"U1"}, h.creds.started)
	require.Empty(t, h.backend.requests)
	require.Len(t, h.messenger.posts, 1)
	require.Equal(t, signInMsg, h.messenger.posts[0].text)
	require.Equal(t, "1.2", h.messenger.posts[0].threadTS)
}

func TestHandleMessage_CredentialFailurePostsError(t *testing.T) {
	h := newChatHarness(t, nil)
	h.creds.err = newError(ErrorContextMismatch, "decrypt", nil)

	err := h.svc.HandleMessage(context.Background(), directMessage("hi"))
	requireCode(t, err, ErrorContextMismatch)
	require.Empty(t, h.creds.started)
	require.Len(t, h.messenger.posts, 1)
	require.Equal(t, stream.DefaultErrorMessage, h.messenger.posts[0].text)
}

func TestHandleMessage_ChatCallFailure(t *testing.T) {
	h := newChatHarness(t, nil)
	h.backend.chatErr = errors.New("throttled")

	err := h.svc.HandleMessage(context.Background(), directMessage("hi"))
	requireCode(t, err, ErrorUpstream)

	require.Len(t, h.messenger.updates, 1)
	require.Equal(t, stream.DefaultErrorMessage, h.messenger.updates[0].text)
	require.Empty(t, h.cache.contexts)
	require.Empty(t, h.cache.metadata)
}

func TestHandleMessage_IncompleteStreamIsNotRecorded(t *testing.T) {
	h := newChatHarness(t, newFakeSource(nil, stream.TextDelta{Text: "partial", ConversationID: "c1", SystemMessageID: "s1"}))

	require.NoError(t, h.svc.HandleMessage(context.Background(), directMessage("hi")))
	require.Empty(t, h.cache.contexts)
	require.Empty(t, h.cache.metadata)
	require.Len(t, h.messenger.posts, 1)
	require.Equal(t, "partial", h.messenger.updates[len(h.messenger.updates)-1].text)
}

func TestHandleMessage_RecordFailureIsReturned(t *testing.T) {
	h := newChatHarness(t, newFakeSource(nil, stream.Metadata{ConversationID: "c1", SystemMessageID: "s1", FinalText: "ok"}))
	h.cache.putErr = errors.New("throughput exceeded")

	err := h.svc.HandleMessage(context.Background(), directMessage("hi"))
	require.Error(t, err)
	require.Len(t, h.messenger.posts, 1)
}

func TestHandleMessage_ThreadHistoryStartsNewConversation(t *testing.T) {
	h := newChatHarness(t, newFakeSource(nil, stream.Metadata{ConversationID: "c9", SystemMessageID: "s9", FinalText: "ok"}))
	h.cache.contexts["T1:C1:1.0"] = domain.ConversationContext{ChannelKey: "T1:C1:1.0", ConversationID: "c1", ParentMessageID: "s1"}
	h.messenger.users["U2"] = slack.User{ID: "U2", RealName: "Jo Doe"}
	h.messenger.files["https://files/a.pdf"] = []byte("pdf")
	h.messenger.replies = []slack.Message{
		{User: "U2", Text: "<@B1> the report", TS: "1.0", Files: []slack.File{
			{Name: "a.pdf", FileType: "pdf", URLDownload: "https://files/a.pdf"},
			{Name: "b.png", FileType: "png", URLDownload: "https://files/b.png"},
		}},
		{User: "U1", Text: "summarize", TS: "2.0"},
	}

	in := MessageInput{EventType: "app_mention", TeamID: "T1", Channel: "C1", User: "U1", Text: "summarize", EventTS: "2.0", ThreadTS: "1.0"}
	require.NoError(t, h.svc.HandleMessage(context.Background(), in))

	req := h.backend.requests[0]
	require.Empty(t, req.ConversationID)
	require.Empty(t, req.ParentMessageID)
	require.True(t, strings.HasPrefix(req.Message, "Given the following conversation thread history in JSON:\n"))
	require.Contains(t, req.Message, `"name":"Jo Doe"`)
	require.Contains(t, req.Message, `"message":"the report"`)
	require.True(t, strings.HasSuffix(req.Message, historySeparator+"summarize"))
	require.Equal(t, []domain.Attachment{{Name: "a.pdf", Data: []byte("pdf")}}, req.Attachments)

	require.Equal(t, "s9", h.cache.contexts["T1:C1:1.0"].ParentMessageID)
	require.Equal(t, "2.0", h.messenger.posts[0].threadTS)
}

func TestHandleMessage_KeepsLastAttachments(t *testing.T) {
	h := newChatHarness(t, newFakeSource(nil, stream.Metadata{ConversationID: "c1", SystemMessageID: "s1", FinalText: "ok"}))
	in := directMessage("read these")
	for _, name := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		u := "https://files/" + name
		h.messenger.files[u] = []byte(name)
		in.Files = append(in.Files, slack.File{Name: name + ".txt", FileType: "text", URLDownload: u})
	}

	require.NoError(t, h.svc.HandleMessage(context.Background(), in))

	got := h.backend.requests[0].Attachments
	require.Len(t, got, maxAttachments)
	require.Equal(t, "3.txt", got[0].Name)
	require.Equal(t, "7.txt", got[4].Name)
}

func TestHandleMessage_RejectsEmptyInput(t *testing.T) {
	h := newChatHarness(t, nil)
	err := h.svc.HandleMessage(context.Background(), directMessage("  "))
	requireCode(t, err, ErrorInvalidInput)
	require.Empty(t, h.messenger.posts)
}
