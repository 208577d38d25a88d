package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/integrations/slack"
)

func newInteractionHarness(t *testing.T) (*InteractionService, *chatHarness) {
	t.Helper()
	h := newChatHarness(t, nil)
	svc, err := NewInteractionService(h.creds, h.backend, h.messenger, h.cache, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return chatNow }
	h.cache.metadata["s1"] = domain.MessageMetadata{
		MessageID:       "s1",
		ConversationID:  "c1",
		SystemMessageID: "s1",
		SourceAttributions: []domain.SourceAttribution{
			{Title: "Handbook", URL: "https://wiki.example.com/handbook", Snippet: "Vacation policy"},
		},
	}
	return svc, h
}

func TestHandleAction_ViewSourcesOpensModal(t *testing.T) {
	svc, h := newInteractionHarness(t)

	require.NoError(t, svc.HandleAction(context.Background(), Action{ActionID: slack.ActionViewSources, Value: "s1", TriggerID: "trig"}))
	require.Len(t, h.messenger.modals, 1)
}

func TestHandleAction_ViewSourcesUnknownMessage(t *testing.T) {
	svc, h := newInteractionHarness(t)

	err := svc.HandleAction(context.Background(), Action{ActionID: slack.ActionViewSources, Value: "nope", TriggerID: "trig"})
	requireCode(t, err, ErrorInvalidInput)
	require.Empty(t, h.messenger.modals)
}

func TestHandleAction_Feedback(t *testing.T) {
	for _, tc := range []struct {
		action string
		useful bool
	}{
		{slack.ActionFeedbackUp, true},
		{slack.ActionFeedbackDown, false},
	} {
		t.Run(tc.action, func(t *testing.T) {
			svc, h := newInteractionHarness(t)
			ref := slack.MessageRef{Channel: "C1", TS: "5.5"}

			require.NoError(t, svc.HandleAction(context.Background(), Action{ActionID: tc.action, Value: "s1", User: "U1", Message: ref}))

			require.Len(t, h.backend.feedback, 1)
			fb := h.backend.feedback[0]
			require.Equal(t, "c1", fb.ConversationID)
			require.Equal(t, "s1", fb.MessageID)
			require.Equal(t, tc.useful, fb.Useful)
			require.Equal(t, "AKIA", fb.Credentials.AccessKeyID)
			require.True(t, fb.SubmittedAt.Equal(chatNow))

			require.Len(t, h.messenger.updates, 1)
			require.Equal(t, feedbackThanks, h.messenger.updates[0].text)
		})
	}
}

func TestHandleAction_FeedbackFailureKeepsButtons(t *testing.T) {
	svc, h := newInteractionHarness(t)
	h.backend.fbErr = errors.New("denied")

	err := svc.HandleAction(context.Background(), Action{ActionID: slack.ActionFeedbackUp, Value: "s1", User: "U1", Message: slack.MessageRef{Channel: "C1", TS: "5.5"}})
	requireCode(t, err, ErrorUpstream)
	require.Empty(t, h.messenger.updates)
}

func TestHandleAction_FeedbackWithoutSession(t *testing.T) {
	svc, h := newInteractionHarness(t)
	h.creds.err = newError(ErrorSessionExpired, "expired", nil)

	err := svc.HandleAction(context.Background(), Action{ActionID: slack.ActionFeedbackDown, Value: "s1", User: "U1"})
	require.True(t, NeedsSignIn(err))
	require.Empty(t, h.backend.feedback)
}

func TestHandleAction_IgnoresUnknown(t *testing.T) {
	svc, h := newInteractionHarness(t)
	require.NoError(t, svc.HandleAction(context.Background(), Action{ActionID: slack.ActionSignIn}))
	require.Empty(t, h.messenger.posts)
}

func TestResetConversation(t *testing.T) {
	svc, h := newInteractionHarness(t)
	h.cache.contexts["T1:C1"] = domain.ConversationContext{ChannelKey: "T1:C1", ConversationID: "c1"}
	h.cache.contexts["T1:C1:1.0"] = domain.ConversationContext{ChannelKey: "T1:C1:1.0", ConversationID: "c2"}

	require.NoError(t, svc.ResetConversation(context.Background(), "T1", "C1"))

	require.NotContains(t, h.cache.contexts, "T1:C1")
	require.Contains(t, h.cache.contexts, "T1:C1:1.0")
	require.Len(t, h.messenger.posts, 1)
	require.Equal(t, newConversation, h.messenger.posts[0].text)

	requireCode(t, svc.ResetConversation(context.Background(), "T1", ""), ErrorInvalidInput)
}
