package domain

import "time"

// ConversationContext links a channel or thread to the chat backend
// conversation it continues.
type ConversationContext struct {
	ChannelKey      string
	ConversationID  string
	ParentMessageID string
	LatestTs        time.Time
	ExpireAt        int64
}

// MessageMetadata is kept per answered message so later feedback and
// "view sources" actions can be resolved.
type MessageMetadata struct {
	MessageID          string              `dynamodbav:"messageId"`
	ConversationID     string              `dynamodbav:"conversationId"`
	SystemMessageID    string              `dynamodbav:"systemMessageId"`
	UserMessageID      string              `dynamodbav:"userMessageId"`
	SourceAttributions []SourceAttribution `dynamodbav:"sourceAttributions"`
	Ts                 int64               `dynamodbav:"ts"`
	ExpireAt           int64               `dynamodbav:"expireAt"`
}

// SourceAttribution is one citation returned with an answer.
type SourceAttribution struct {
	Title          string        `json:"title,omitempty" dynamodbav:"title,omitempty"`
	Snippet        string        `json:"snippet,omitempty" dynamodbav:"snippet,omitempty"`
	URL            string        `json:"url,omitempty" dynamodbav:"url,omitempty"`
	CitationNumber int32         `json:"citationNumber,omitempty" dynamodbav:"citationNumber,omitempty"`
	UpdatedAt      *time.Time    `json:"updatedAt,omitempty" dynamodbav:"updatedAt,omitempty"`
	Segments       []TextSegment `json:"textMessageSegments,omitempty" dynamodbav:"textMessageSegments,omitempty"`
}

// TextSegment marks the span of the answer a citation supports.
type TextSegment struct {
	BeginOffset int32 `json:"beginOffset" dynamodbav:"beginOffset"`
	EndOffset   int32 `json:"endOffset" dynamodbav:"endOffset"`
}

// FailedAttachment reports an attachment the chat backend could not use.
type FailedAttachment struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Attachment is a file sent along with a chat message.
type Attachment struct {
	Name string
	Data []byte
}
