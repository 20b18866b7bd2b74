package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"whatsapp-concierge/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skState         = "STATE#"
	ttlGrace        = 24 * time.Hour // kept past expiry so late messages still see the handoff end
)

// ErrConflict is returned when a conditional write loses against a concurrent
// update of the same conversation.
var ErrConflict = errors.New("repository: conversation was modified concurrently")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client stores conversation sessions in a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func sessionPK(senderID string) string {
	return pkPrefixSession + senderID
}

func stateKey(senderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(senderID)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Get returns the stored conversation, or an automated one when the sender
// has no record.
func (c *Client) Get(ctx context.Context, senderID string) (domain.Conversation, error) {
	if strings.TrimSpace(senderID) == "" {
		return domain.Conversation{}, errors.New("repository: Get: sender id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            stateKey(senderID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Automated(senderID), nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get decode: %w", err)
	}
	return conv, nil
}

// Save writes a human-assisted conversation, guarded by its version. Saving
// an automated conversation deletes the record.
func (c *Client) Save(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.SenderID) == "" {
		return errors.New("repository: Save: sender id is required")
	}
	if conv.Mode != domain.ModeHumanAssisted {
		return c.Delete(ctx, conv.SenderID)
	}
	if conv.HandoffExpiresAt == nil {
		return errors.New("repository: Save: handoff expiry is required in human-assisted mode")
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      conversationItem(conv, conv.Version+1),
	}
	if conv.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR version = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.Version, 10)},
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: Save %s: %w", conv.SenderID, ErrConflict)
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Delete removes the sender's record. Missing records are not an error.
func (c *Client) Delete(ctx context.Context, senderID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       stateKey(senderID),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// ListHandoffs scans for senders with a recorded handoff.
func (c *Client) ListHandoffs(ctx context.Context) ([]string, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("begins_with(PK, :prefix) AND #mode = :mode"),
		ExpressionAttributeNames: map[string]string{
			"#mode": "mode",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: pkPrefixSession},
			":mode":   &types.AttributeValueMemberS{Value: string(domain.ModeHumanAssisted)},
		},
		ProjectionExpression: aws.String("senderId"),
	}

	var ids []string
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListHandoffs scan: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "senderId")
			if err != nil {
				return nil, fmt.Errorf("repository: ListHandoffs decode: %w", err)
			}
			ids = append(ids, id)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func conversationItem(conv domain.Conversation, version int64) map[string]types.AttributeValue {
	exp := conv.HandoffExpiresAt.UTC()
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: sessionPK(conv.SenderID)},
		"SK":               &types.AttributeValueMemberS{Value: skState},
		"senderId":         &types.AttributeValueMemberS{Value: conv.SenderID},
		"mode":             &types.AttributeValueMemberS{Value: string(conv.Mode)},
		"handoffExpiresAt": &types.AttributeValueMemberS{Value: exp.Format(time.RFC3339Nano)},
		"updatedAt":        &types.AttributeValueMemberS{Value: conv.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"version":          &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"ttl":              &types.AttributeValueMemberN{Value: strconv.FormatInt(exp.Add(ttlGrace).Unix(), 10)},
	}
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	senderID, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Conversation{}, err
	}
	mode, err := strAttr(item, "mode")
	if err != nil {
		return domain.Conversation{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Conversation{}, err
	}

	conv := domain.Conversation{SenderID: senderID, Mode: domain.Mode(mode), Version: version}
	if updated, err := timeAttr(item, "updatedAt"); err == nil {
		conv.UpdatedAt = updated
	}
	if conv.Mode != domain.ModeHumanAssisted {
		return domain.Automated(senderID), nil
	}
	exp, err := timeAttr(item, "handoffExpiresAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.HandoffExpiresAt = &exp
	return conv, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts.UTC(), nil
}
