package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"qchat-gateway/internal/domain"
)

// ErrNoSession is returned when no session record exists for an owner.
var ErrNoSession = errors.New("repository: no session exists")

// PutSession writes or replaces the encrypted session for an owner.
func (c *Client) PutSession(ctx context.Context, rec domain.SessionRecord) error {
	if strings.TrimSpace(rec.OwnerID) == "" || rec.EncryptedCreds == "" {
		return errors.New("repository: PutSession: owner id and encrypted creds are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tables.Session),
		Item: map[string]types.AttributeValue{
			"ownerId":        sAttr(rec.OwnerID),
			"encryptedCreds": sAttr(rec.EncryptedCreds),
			"expiration":     sAttr(isoTime(rec.Expiration)),
			"timestamp":      sAttr(isoTime(rec.Timestamp)),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

// GetSession loads the encrypted session for an owner.
func (c *Client) GetSession(ctx context.Context, ownerID string) (domain.SessionRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tables.Session),
		Key: map[string]types.AttributeValue{
			"ownerId": sAttr(ownerID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionRecord{}, ErrNoSession
	}

	rec := domain.SessionRecord{OwnerID: ownerID}
	if rec.EncryptedCreds, err = strAttr(out.Item, "encryptedCreds"); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	if rec.Expiration, err = timeAttr(out.Item, "expiration"); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	rec.Timestamp, _ = timeAttr(out.Item, "timestamp")
	return rec, nil
}
