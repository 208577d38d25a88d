// Package stream aggregates a chat backend's event stream into throttled
// UI updates and one final structured turn.
package stream

import "qchat-gateway/internal/domain"

// Event is one element of a chat response stream. It is implemented only by
// TextDelta, AttachmentFailure and Metadata.
type Event interface {
	isEvent()
}

// TextDelta carries the next fragment of the answer.
type TextDelta struct {
	Text            string
	ConversationID  string
	SystemMessageID string
	UserMessageID   string
}

// AttachmentFailure reports an attachment the backend could not process.
type AttachmentFailure struct {
	Attachment domain.FailedAttachment
}

// Metadata is the terminal event with the authoritative identifiers.
type Metadata struct {
	ConversationID     string
	SystemMessageID    string
	UserMessageID      string
	FinalText          string
	SourceAttributions []domain.SourceAttribution
}

func (TextDelta) isEvent()         {}
func (AttachmentFailure) isEvent() {}
func (Metadata) isEvent()          {}

// Source is an open response stream. Events is closed when the stream ends;
// Err then reports whether it ended because of a failure.
type Source interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Turn is the assembled result of one chat call.
type Turn struct {
	ConversationID     string
	SystemMessageID    string
	UserMessageID      string
	OutputText         string
	SourceAttributions []domain.SourceAttribution
	FailedAttachments  []domain.FailedAttachment
	RawEvents          []Event
	// Incomplete is set when the stream ended without a metadata event.
	Incomplete bool
}

// Update is one side effect delivered to the chat UI.
type Update struct {
	Text               string
	Final              bool
	Error              bool
	ConversationID     string
	SystemMessageID    string
	SourceAttributions []domain.SourceAttribution
}
