package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"qchat-gateway/internal/domain"
)

const (
	// DefaultFlushThreshold is the number of characters buffered before an
	// incremental update is sent.
	DefaultFlushThreshold = 75
	// DefaultErrorMessage replaces the answer when the chat call fails.
	DefaultErrorMessage = "*_Processing error_*"
)

// ErrDone is returned when events are handed to a finished aggregator.
var ErrDone = errors.New("stream: aggregator is done")

// State is the aggregator's position in a turn.
type State int

const (
	Awaiting State = iota
	Buffering
	Flushing
	Finalizing
	Done
)

func (s State) String() string {
	switch s {
	case Awaiting:
		return "awaiting"
	case Buffering:
		return "buffering"
	case Flushing:
		return "flushing"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Updater sends an update to the chat UI. Calls are awaited, so a slow UI
// paces consumption of the stream.
type Updater interface {
	Update(ctx context.Context, u Update) error
}

// Recorder persists a completed turn.
type Recorder interface {
	Record(ctx context.Context, t Turn) error
}

// Aggregator consumes one response stream. It is not safe for concurrent
// use; create one per chat call.
type Aggregator struct {
	updater   Updater
	recorder  Recorder
	logger    *slog.Logger
	threshold int
	errorMsg  string

	state   State
	turn    Turn
	visible strings.Builder
	buffer  strings.Builder
	meta    *Metadata
}

type Option func(*Aggregator)

// WithThreshold sets the flush threshold in characters.
func WithThreshold(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithErrorMessage sets the text shown when the chat call fails.
func WithErrorMessage(msg string) Option {
	return func(a *Aggregator) {
		if msg != "" {
			a.errorMsg = msg
		}
	}
}

// New creates an Aggregator. recorder may be nil when turns are not persisted.
func New(updater Updater, recorder Recorder, opts ...Option) (*Aggregator, error) {
	if updater == nil {
		return nil, errors.New("stream: updater must not be nil")
	}
	a := &Aggregator{
		updater:   updater,
		recorder:  recorder,
		logger:    slog.Default(),
		threshold: DefaultFlushThreshold,
		errorMsg:  DefaultErrorMessage,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// State returns the current state.
func (a *Aggregator) State() State {
	return a.state
}

// Handle applies one event, flushing when the buffer reaches the threshold.
func (a *Aggregator) Handle(ctx context.Context, ev Event) error {
	if a.state == Done || a.state == Finalizing {
		return ErrDone
	}
	if a.state == Awaiting {
		a.state = Buffering
	}
	a.turn.RawEvents = append(a.turn.RawEvents, ev)

	switch e := ev.(type) {
	case TextDelta:
		a.buffer.WriteString(e.Text)
		if e.ConversationID != "" {
			a.turn.ConversationID = e.ConversationID
		}
		if e.SystemMessageID != "" {
			a.turn.SystemMessageID = e.SystemMessageID
		}
		if e.UserMessageID != "" {
			a.turn.UserMessageID = e.UserMessageID
		}
		if utf8.RuneCountInString(a.buffer.String()) >= a.threshold {
			return a.flush(ctx)
		}
	case AttachmentFailure:
		a.turn.FailedAttachments = append(a.turn.FailedAttachments, e.Attachment)
	case Metadata:
		m := e
		a.meta = &m
	default:
		return fmt.Errorf("stream: unknown event %T", ev)
	}
	return nil
}

func (a *Aggregator) flush(ctx context.Context) error {
	a.state = Flushing
	a.visible.WriteString(a.buffer.String())
	a.buffer.Reset()
	err := a.updater.Update(ctx, Update{
		Text:            a.visible.String(),
		ConversationID:  a.turn.ConversationID,
		SystemMessageID: a.turn.SystemMessageID,
	})
	a.state = Buffering
	if err != nil {
		return fmt.Errorf("stream: flush: %w", err)
	}
	return nil
}

// Finalize emits the final update and persists the turn. A stream that never
// produced metadata is still rendered but returned as incomplete and not
// recorded. An empty answer is rendered as the error message.
func (a *Aggregator) Finalize(ctx context.Context) (Turn, error) {
	if a.state == Done || a.state == Finalizing {
		return Turn{}, ErrDone
	}
	a.state = Finalizing
	defer func() { a.state = Done }()

	a.visible.WriteString(a.buffer.String())
	a.buffer.Reset()
	a.turn.OutputText = a.visible.String()

	if a.meta != nil {
		if a.meta.ConversationID != "" {
			a.turn.ConversationID = a.meta.ConversationID
		}
		if a.meta.SystemMessageID != "" {
			a.turn.SystemMessageID = a.meta.SystemMessageID
		}
		if a.meta.UserMessageID != "" {
			a.turn.UserMessageID = a.meta.UserMessageID
		}
		if a.meta.FinalText != "" {
			a.turn.OutputText = a.meta.FinalText
		}
		a.turn.SourceAttributions = a.meta.SourceAttributions
	} else {
		a.turn.Incomplete = true
		a.logger.Warn("chat stream ended without metadata", "stage", "stream_finalize")
	}

	final := Update{
		Text:               a.turn.OutputText + renderFailures(a.turn.FailedAttachments),
		Final:              true,
		ConversationID:     a.turn.ConversationID,
		SystemMessageID:    a.turn.SystemMessageID,
		SourceAttributions: a.turn.SourceAttributions,
	}
	// Slack rejects messages without text.
	if strings.TrimSpace(final.Text) == "" {
		a.logger.Warn("chat stream produced no text", "stage", "stream_finalize")
		final.Text = a.errorMsg
		final.Error = true
	}
	err := a.updater.Update(ctx, final)
	if err != nil {
		return a.turn, fmt.Errorf("stream: final flush: %w", err)
	}

	if a.turn.Incomplete || a.recorder == nil {
		return a.turn, nil
	}
	if err := a.recorder.Record(ctx, a.turn); err != nil {
		return a.turn, fmt.Errorf("stream: record turn: %w", err)
	}
	return a.turn, nil
}

// Fail short-circuits the turn after the chat call itself failed: one error
// update is sent and nothing is persisted.
func (a *Aggregator) Fail(ctx context.Context, cause error) error {
	if a.state == Done {
		return ErrDone
	}
	a.state = Done
	a.logger.Error("chat call failed", "stage", "stream_fail", "error", cause)
	if err := a.updater.Update(ctx, Update{Text: a.errorMsg, Final: true, Error: true}); err != nil {
		return fmt.Errorf("stream: error flush: %w", err)
	}
	return nil
}

// Consume drains src in arrival order and finalizes the turn. A stream that
// fails is handled like a failed chat call and its error is returned.
func (a *Aggregator) Consume(ctx context.Context, src Source) (Turn, error) {
	defer func() {
		if err := src.Close(); err != nil {
			a.logger.Debug("close chat stream", "stage", "stream_close", "error", err)
		}
	}()

	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			a.state = Done
			return Turn{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := src.Err(); err != nil {
					if ferr := a.Fail(ctx, err); ferr != nil {
						return Turn{}, errors.Join(err, ferr)
					}
					return Turn{}, err
				}
				return a.Finalize(ctx)
			}
			if err := a.Handle(ctx, ev); err != nil {
				a.state = Done
				return Turn{}, err
			}
		}
	}
}

func renderFailures(failed []domain.FailedAttachment) string {
	if len(failed) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n_Some attachments could not be processed:_")
	for _, f := range failed {
		fmt.Fprintf(&b, "\n• %s: %s", f.Name, f.Status)
		if f.ErrorMessage != "" {
			fmt.Fprintf(&b, " (%s)", f.ErrorMessage)
		}
	}
	return b.String()
}
