package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"qchat-gateway/internal/domain"
)

type recordingUpdater struct {
	updates []Update
	err     error
	failAt  int
}

func (r *recordingUpdater) Update(_ context.Context, u Update) error {
	r.updates = append(r.updates, u)
	if r.err != nil && len(r.updates) >= r.failAt {
		return r.err
	}
	return nil
}

type recordingRecorder struct {
	turns []Turn
	err   error
}

func (r *recordingRecorder) Record(_ context.Context, t Turn) error {
	r.turns = append(r.turns, t)
	return r.err
}

type sliceSource struct {
	events []Event
	err    error
	closed bool
}

func (s *sliceSource) Events() <-chan Event {
	ch := make(chan Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (s *sliceSource) Err() error   { return s.err }
func (s *sliceSource) Close() error { s.closed = true; return nil }

func chars(s string) []Event {
	out := make([]Event, 0, len(s))
	for _, r := range s {
		out = append(out, TextDelta{Text: string(r)})
	}
	return out
}

func mustNew(t *testing.T, u Updater, r Recorder, opts ...Option) *Aggregator {
	t.Helper()
	a, err := New(u, r, opts...)
	require.NoError(t, err)
	return a
}

var testMeta = Metadata{
	ConversationID:  "conv-1",
	SystemMessageID: "sys-1",
	UserMessageID:   "usr-1",
	SourceAttributions: []domain.SourceAttribution{
		{Title: "Doc", URL: "https://example.com/doc"},
	},
}

func TestNew_NilUpdater(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestConsume_FlushCountAndFinalText(t *testing.T) {
	u := &recordingUpdater{}
	a := mustNew(t, u, nil, WithThreshold(4))

	src := &sliceSource{events: chars("ABCDEFGHIJ")}
	turn, err := a.Consume(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, u.updates, 3)
	require.Equal(t, "ABCD", u.updates[0].Text)
	require.Equal(t, "ABCDEFGH", u.updates[1].Text)
	require.Equal(t, "ABCDEFGHIJ", u.updates[2].Text)
	require.True(t, u.updates[2].Final)
	require.Equal(t, "ABCDEFGHIJ", turn.OutputText)
	require.True(t, src.closed)
	require.Equal(t, Done, a.State())
}

func TestConsume_CoarseChunksFlushOncePerThresholdCrossing(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{name: "single chunk", chunks: []string{"ABCDEFGHIJ"}, want: []string{"ABCDEFGHIJ", "ABCDEFGHIJ"}},
		{name: "three chunks", chunks: []string{"ABC", "DEFG", "HIJ"}, want: []string{"ABCDEFG", "ABCDEFGHIJ"}},
		{name: "below threshold", chunks: []string{"AB", "C"}, want: []string{"ABC"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := &recordingUpdater{}
			a := mustNew(t, u, nil, WithThreshold(4))

			events := make([]Event, 0, len(tc.chunks)+1)
			for _, c := range tc.chunks {
				events = append(events, TextDelta{Text: c})
			}
			events = append(events, testMeta)
			_, err := a.Consume(context.Background(), &sliceSource{events: events})
			require.NoError(t, err)

			require.Len(t, u.updates, len(tc.want))
			for i, want := range tc.want {
				require.Equal(t, want, u.updates[i].Text)
				require.Equal(t, i == len(tc.want)-1, u.updates[i].Final)
			}
		})
	}
}

func TestConsume_EmptyStreamRendersErrorMessage(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec)

	turn, err := a.Consume(context.Background(), &sliceSource{})
	require.NoError(t, err)

	require.Len(t, u.updates, 1)
	require.Equal(t, DefaultErrorMessage, u.updates[0].Text)
	require.True(t, u.updates[0].Final)
	require.True(t, u.updates[0].Error)
	require.True(t, turn.Incomplete)
	require.Empty(t, rec.turns)
}

func TestConsume_EmptyAnswerWithMetadataRendersErrorMessage(t *testing.T) {
	u := &recordingUpdater{}
	a := mustNew(t, u, nil)

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{testMeta}})
	require.NoError(t, err)
	require.Len(t, u.updates, 1)
	require.Equal(t, DefaultErrorMessage, u.updates[0].Text)
	require.True(t, u.updates[0].Error)
	require.False(t, turn.Incomplete)
	require.Empty(t, turn.OutputText)
}

func TestHandle_ThresholdCountsCharactersNotBytes(t *testing.T) {
	u := &recordingUpdater{}
	a := mustNew(t, u, nil, WithThreshold(3))

	require.NoError(t, a.Handle(context.Background(), TextDelta{Text: "日本"}))
	require.Empty(t, u.updates)
	require.NoError(t, a.Handle(context.Background(), TextDelta{Text: "語"}))
	require.Len(t, u.updates, 1)
	require.Equal(t, "日本語", u.updates[0].Text)
}

func TestConsume_MissingMetadataIsIncomplete(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithThreshold(100))

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{
		TextDelta{Text: "partial ", ConversationID: "conv-x"},
		TextDelta{Text: "answer"},
	}})
	require.NoError(t, err)
	require.True(t, turn.Incomplete)
	require.Equal(t, "partial answer", turn.OutputText)
	require.Equal(t, "conv-x", turn.ConversationID)
	require.Len(t, u.updates, 1)
	require.True(t, u.updates[0].Final)
	require.Empty(t, rec.turns)
}

func TestConsume_MetadataAfterText(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithThreshold(100))

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{
		TextDelta{Text: "Hello", ConversationID: "stale", SystemMessageID: "stale"},
		testMeta,
	}})
	require.NoError(t, err)
	require.False(t, turn.Incomplete)
	require.Equal(t, "conv-1", turn.ConversationID)
	require.Equal(t, "sys-1", turn.SystemMessageID)
	require.Equal(t, "usr-1", turn.UserMessageID)
	require.Equal(t, "Hello", turn.OutputText)
	require.Len(t, rec.turns, 1)
	require.Len(t, u.updates[len(u.updates)-1].SourceAttributions, 1)
	require.Len(t, turn.RawEvents, 2)
}

func TestConsume_MetadataBeforeText(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithThreshold(100))

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{
		testMeta,
		TextDelta{Text: "Hello ", SystemMessageID: "late"},
		TextDelta{Text: "world"},
	}})
	require.NoError(t, err)
	require.Equal(t, "sys-1", turn.SystemMessageID)
	require.Equal(t, "Hello world", turn.OutputText)
	require.Equal(t, "sys-1", rec.turns[0].SystemMessageID)
}

func TestConsume_MetadataFinalTextIsAuthoritative(t *testing.T) {
	u := &recordingUpdater{}
	a := mustNew(t, u, nil)

	m := testMeta
	m.FinalText = "Hello world."
	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{
		TextDelta{Text: "Hello wor"},
		m,
	}})
	require.NoError(t, err)
	require.Equal(t, "Hello world.", turn.OutputText)
	require.Equal(t, "Hello world.", u.updates[len(u.updates)-1].Text)
}

func TestConsume_FailedAttachmentsOnlyInFinalFlush(t *testing.T) {
	u := &recordingUpdater{}
	a := mustNew(t, u, nil, WithThreshold(2))

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{
		AttachmentFailure{Attachment: domain.FailedAttachment{Name: "a.pdf", Status: "FAILED", ErrorMessage: "too large"}},
		TextDelta{Text: "ok"},
		testMeta,
	}})
	require.NoError(t, err)
	require.Len(t, turn.FailedAttachments, 1)
	require.Len(t, u.updates, 2)
	require.Equal(t, "ok", u.updates[0].Text)
	require.Contains(t, u.updates[1].Text, "a.pdf: FAILED (too large)")
	require.Equal(t, "ok", turn.OutputText)
}

func TestConsume_StreamErrorSendsSingleErrorUpdate(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithThreshold(100))

	boom := errors.New("throttled")
	_, err := a.Consume(context.Background(), &sliceSource{events: []Event{TextDelta{Text: "x"}}, err: boom})
	require.ErrorIs(t, err, boom)
	require.Len(t, u.updates, 1)
	require.True(t, u.updates[0].Error)
	require.Equal(t, DefaultErrorMessage, u.updates[0].Text)
	require.Empty(t, rec.turns)
}

func TestFail_ChatCallError(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithErrorMessage("oops"))

	require.NoError(t, a.Fail(context.Background(), errors.New("AccessDenied")))
	require.Len(t, u.updates, 1)
	require.Equal(t, "oops", u.updates[0].Text)
	require.Empty(t, rec.turns)

	require.ErrorIs(t, a.Fail(context.Background(), errors.New("again")), ErrDone)
	require.ErrorIs(t, a.Handle(context.Background(), TextDelta{Text: "x"}), ErrDone)
}

func TestConsume_FlushErrorAborts(t *testing.T) {
	boom := errors.New("rate limited")
	u := &recordingUpdater{err: boom, failAt: 1}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec, WithThreshold(1))

	_, err := a.Consume(context.Background(), &sliceSource{events: []Event{TextDelta{Text: "a"}, TextDelta{Text: "b"}, testMeta}})
	require.ErrorIs(t, err, boom)
	require.Len(t, u.updates, 1)
	require.Empty(t, rec.turns)
}

func TestConsume_RecorderError(t *testing.T) {
	boom := errors.New("dynamo down")
	a := mustNew(t, &recordingUpdater{}, &recordingRecorder{err: boom})

	turn, err := a.Consume(context.Background(), &sliceSource{events: []Event{TextDelta{Text: "a"}, testMeta}})
	require.ErrorIs(t, err, boom)
	require.Equal(t, "a", turn.OutputText)
}

func TestConsume_ContextCanceled(t *testing.T) {
	u := &recordingUpdater{}
	rec := &recordingRecorder{}
	a := mustNew(t, u, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := &blockingSource{ch: make(chan Event)}
	_, err := a.Consume(ctx, blocked)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, u.updates)
	require.Empty(t, rec.turns)
}

type blockingSource struct{ ch chan Event }

func (b *blockingSource) Events() <-chan Event { return b.ch }
func (b *blockingSource) Err() error           { return nil }
func (b *blockingSource) Close() error         { return nil }

func TestFinalize_Twice(t *testing.T) {
	a := mustNew(t, &recordingUpdater{}, nil)
	_, err := a.Finalize(context.Background())
	require.NoError(t, err)
	_, err = a.Finalize(context.Background())
	require.ErrorIs(t, err, ErrDone)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "awaiting", Awaiting.String())
	require.Equal(t, "flushing", Flushing.String())
	require.Equal(t, "State(9)", State(9).String())
}
