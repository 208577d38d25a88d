package qbusiness

import (
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness/types"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/stream"
)

// source maps SDK output union members onto stream events.
type source struct {
	es     eventStream
	events chan stream.Event
	done   chan struct{}
	once   sync.Once
}

func newSource(es eventStream, logger *slog.Logger) *source {
	s := &source{
		es:     es,
		events: make(chan stream.Event),
		done:   make(chan struct{}),
	}
	go s.pump(logger)
	return s
}

func (s *source) pump(logger *slog.Logger) {
	defer close(s.events)
	for out := range s.es.Events() {
		ev, ok := toEvent(out)
		if !ok {
			logger.Debug("skipping chat output event", "stage", "chat_stream", "type", typeName(out))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *source) Events() <-chan stream.Event { return s.events }

func (s *source) Err() error { return s.es.Err() }

func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.es.Close()
	})
	return err
}

func toEvent(out types.ChatOutputStream) (stream.Event, bool) {
	switch v := out.(type) {
	case *types.ChatOutputStreamMemberTextEvent:
		return stream.TextDelta{
			Text:            aws.ToString(v.Value.SystemMessage),
			ConversationID:  aws.ToString(v.Value.ConversationId),
			SystemMessageID: aws.ToString(v.Value.SystemMessageId),
			UserMessageID:   aws.ToString(v.Value.UserMessageId),
		}, true
	case *types.ChatOutputStreamMemberMetadataEvent:
		return stream.Metadata{
			ConversationID:     aws.ToString(v.Value.ConversationId),
			SystemMessageID:    aws.ToString(v.Value.SystemMessageId),
			UserMessageID:      aws.ToString(v.Value.UserMessageId),
			FinalText:          aws.ToString(v.Value.FinalTextMessage),
			SourceAttributions: toAttributions(v.Value.SourceAttributions),
		}, true
	case *types.ChatOutputStreamMemberFailedAttachmentEvent:
		fa := domain.FailedAttachment{}
		if a := v.Value.Attachment; a != nil {
			fa.Name = aws.ToString(a.Name)
			fa.Status = string(a.Status)
			if a.Error != nil {
				fa.ErrorCode = string(a.Error.ErrorCode)
				fa.ErrorMessage = aws.ToString(a.Error.ErrorMessage)
			}
		}
		return stream.AttachmentFailure{Attachment: fa}, true
	}
	return nil, false
}

func toAttributions(in []types.SourceAttribution) []domain.SourceAttribution {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.SourceAttribution, 0, len(in))
	for _, sa := range in {
		d := domain.SourceAttribution{
			Title:          aws.ToString(sa.Title),
			Snippet:        aws.ToString(sa.Snippet),
			URL:            aws.ToString(sa.Url),
			CitationNumber: aws.ToInt32(sa.CitationNumber),
			UpdatedAt:      sa.UpdatedAt,
		}
		for _, seg := range sa.TextMessageSegments {
			d.Segments = append(d.Segments, domain.TextSegment{
				BeginOffset: aws.ToInt32(seg.BeginOffset),
				EndOffset:   aws.ToInt32(seg.EndOffset),
			})
		}
		out = append(out, d)
	}
	return out
}

func typeName(out types.ChatOutputStream) string {
	switch out.(type) {
	case *types.ChatOutputStreamMemberActionReviewEvent:
		return "action_review"
	case *types.ChatOutputStreamMemberAuthChallengeRequestEvent:
		return "auth_challenge_request"
	}
	return "unknown"
}
