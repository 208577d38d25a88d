package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"qchat-gateway/internal/domain"
)

// GetConversationContext returns the cached context for a channel key. ok is
// false when nothing is cached or the entry has expired.
func (c *Client) GetConversationContext(ctx context.Context, channelKey string) (domain.ConversationContext, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tables.Context),
		Key: map[string]types.AttributeValue{
			"channel": sAttr(channelKey),
		},
	})
	if err != nil {
		return domain.ConversationContext{}, false, fmt.Errorf("repository: GetConversationContext get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationContext{}, false, nil
	}

	cc := domain.ConversationContext{ChannelKey: channelKey}
	if cc.ConversationID, err = strAttr(out.Item, "conversationId"); err != nil {
		return domain.ConversationContext{}, false, fmt.Errorf("repository: GetConversationContext decode: %w", err)
	}
	cc.ParentMessageID, _ = strAttr(out.Item, "parentMessageId")
	if ts, err := int64Attr(out.Item, "latestTs"); err == nil {
		cc.LatestTs = time.Unix(ts, 0).UTC()
	}
	cc.ExpireAt, _ = int64Attr(out.Item, "expireAt")
	if cc.ExpireAt > 0 && c.now().Unix() >= cc.ExpireAt {
		return domain.ConversationContext{}, false, nil
	}
	return cc, true, nil
}

// PutConversationContext overwrites the cached context for a channel key.
func (c *Client) PutConversationContext(ctx context.Context, cc domain.ConversationContext) error {
	if strings.TrimSpace(cc.ChannelKey) == "" || cc.ConversationID == "" {
		return errors.New("repository: PutConversationContext: channel key and conversation id are required")
	}
	item := map[string]types.AttributeValue{
		"channel":        sAttr(cc.ChannelKey),
		"conversationId": sAttr(cc.ConversationID),
		"latestTs":       nAttr(cc.LatestTs.Unix()),
		"expireAt":       nAttr(cc.ExpireAt),
	}
	if cc.ParentMessageID != "" {
		item["parentMessageId"] = sAttr(cc.ParentMessageID)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tables.Context),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutConversationContext: %w", err)
	}
	return nil
}

// DeleteConversationContext drops the cached context so the next message
// starts a new conversation. Deleting a missing key is not an error.
func (c *Client) DeleteConversationContext(ctx context.Context, channelKey string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tables.Context),
		Key: map[string]types.AttributeValue{
			"channel": sAttr(channelKey),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversationContext: %w", err)
	}
	return nil
}

// PutMessageMetadata stores the ids and citations of an answered message.
func (c *Client) PutMessageMetadata(ctx context.Context, meta domain.MessageMetadata) error {
	if strings.TrimSpace(meta.MessageID) == "" {
		return errors.New("repository: PutMessageMetadata: message id is required")
	}
	item, err := attributevalue.MarshalMap(meta)
	if err != nil {
		return fmt.Errorf("repository: PutMessageMetadata marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tables.Metadata),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutMessageMetadata: %w", err)
	}
	return nil
}

// GetMessageMetadata loads the metadata of an answered message. ok is false
// when the message is unknown or its entry has expired.
func (c *Client) GetMessageMetadata(ctx context.Context, messageID string) (domain.MessageMetadata, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tables.Metadata),
		Key: map[string]types.AttributeValue{
			"messageId": sAttr(messageID),
		},
	})
	if err != nil {
		return domain.MessageMetadata{}, false, fmt.Errorf("repository: GetMessageMetadata get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.MessageMetadata{}, false, nil
	}
	var meta domain.MessageMetadata
	if err := attributevalue.UnmarshalMap(out.Item, &meta); err != nil {
		return domain.MessageMetadata{}, false, fmt.Errorf("repository: GetMessageMetadata unmarshal: %w", err)
	}
	if meta.ExpireAt > 0 && c.now().Unix() >= meta.ExpireAt {
		return domain.MessageMetadata{}, false, nil
	}
	return meta, true, nil
}
