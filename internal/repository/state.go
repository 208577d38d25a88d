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

// ErrInvalidState is returned when a state entry is missing, expired or
// already consumed.
var ErrInvalidState = errors.New("repository: invalid state")

// PutStateEntry persists a pending authorization request.
func (c *Client) PutStateEntry(ctx context.Context, entry domain.OAuthState) error {
	if strings.TrimSpace(entry.State) == "" || strings.TrimSpace(entry.OwnerID) == "" {
		return errors.New("repository: PutStateEntry: state and owner id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tables.State),
		Item: map[string]types.AttributeValue{
			"state":     sAttr(entry.State),
			"ownerId":   sAttr(entry.OwnerID),
			"timestamp": sAttr(isoTime(entry.CreatedAt)),
			"ttl":       nAttr(entry.TTL),
		},
		ConditionExpression: aws.String("attribute_not_exists(#s)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutStateEntry: %w", err)
	}
	return nil
}

// GetAndConsumeStateEntry deletes the state entry and returns what it held.
// The conditional delete is the single point of mutual exclusion: of any
// number of concurrent callers with the same state, only one receives the
// entry and the rest get ErrInvalidState.
func (c *Client) GetAndConsumeStateEntry(ctx context.Context, state string) (domain.OAuthState, error) {
	if strings.TrimSpace(state) == "" {
		return domain.OAuthState{}, ErrInvalidState
	}
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tables.State),
		Key: map[string]types.AttributeValue{
			"state": sAttr(state),
		},
		ConditionExpression: aws.String("attribute_exists(#s)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailure(err) {
			return domain.OAuthState{}, ErrInvalidState
		}
		return domain.OAuthState{}, fmt.Errorf("repository: GetAndConsumeStateEntry: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.OAuthState{}, ErrInvalidState
	}

	entry, err := itemToState(out.Attributes)
	if err != nil {
		return domain.OAuthState{}, fmt.Errorf("repository: GetAndConsumeStateEntry decode: %w", err)
	}
	// Table TTL sweeps lazily, so an entry can outlive its ttl.
	if entry.TTL > 0 && c.now().Unix() >= entry.TTL {
		return domain.OAuthState{}, ErrInvalidState
	}
	return entry, nil
}

func itemToState(item map[string]types.AttributeValue) (domain.OAuthState, error) {
	state, err := strAttr(item, "state")
	if err != nil {
		return domain.OAuthState{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.OAuthState{}, err
	}
	ttl, err := int64Attr(item, "ttl")
	if err != nil {
		return domain.OAuthState{}, err
	}
	created, _ := timeAttr(item, "timestamp") // informational only
	return domain.OAuthState{State: state, OwnerID: owner, CreatedAt: created, TTL: ttl}, nil
}
