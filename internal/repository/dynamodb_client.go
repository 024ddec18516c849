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

	"relaychat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"

	// batchWriteLimit is the BatchWriteItem request limit.
	batchWriteLimit = 25

	maxAppendAttempts     = 3
	maxUnprocessedRetries = 5

	// Unprocessed batch items are resubmitted after an exponential backoff
	// starting at unprocessedBackoff and capped at maxUnprocessedBackoff.
	unprocessedBackoff    = 50 * time.Millisecond
	maxUnprocessedBackoff = 2 * time.Second
)

// DynamoAPI is the minimal DynamoDB interface required by Client.
// *dynamodb.Client from aws-sdk-go-v2 satisfies this interface.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores conversations in a single DynamoDB table. Each conversation
// is a partition: one META# item plus one MSG#<millis>#<seq> item per
// message, so a Query on the partition returns messages in order.
type Client struct {
	api       DynamoAPI
	tableName string
	wait      func(ctx context.Context, d time.Duration) error
}

// New creates a new repository Client.
func New(api DynamoAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, wait: sleepContext}, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) Close() error { return nil }

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message. Both parts are zero padded so
// lexical order matches numeric order.
func msgSK(timestamp, seq int64) string {
	return fmt.Sprintf("%s%013d#%010d", skPrefixMsg, timestamp, seq)
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (c *Client) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	conv := domain.NewConversation(normalizeTitle(title))
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv, 0),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	conv, _, err := c.getMeta(ctx, id)
	return conv, err
}

// getMeta reads the conversation item along with its message counter.
func (c *Client) getMeta(ctx context.Context, id string) (domain.Conversation, int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, 0, notFound(id)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	count, err := intAttr(out.Item, "msgCount")
	if err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, count, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := c.scanConversations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	return convs, nil
}

// SearchConversations matches query case-insensitively against titles and
// message contents. Matching uses the lowercased searchText attribute.
func (c *Client) SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	convs, err := c.scanConversations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("repository: SearchConversations: %w", err)
	}
	return convs, nil
}

// scanConversations scans the table for conversation items and, when q is
// set, keeps those whose title or any message contains q.
func (c *Client) scanConversations(ctx context.Context, q string) ([]domain.Conversation, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("SK = :meta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta": &types.AttributeValueMemberS{Value: skMeta},
		},
	}
	if q != "" {
		in.FilterExpression = aws.String("SK = :meta OR contains(#search, :q)")
		in.ExpressionAttributeNames = map[string]string{"#search": "searchText"}
		in.ExpressionAttributeValues[":q"] = &types.AttributeValueMemberS{Value: q}
	}

	convs := map[string]domain.Conversation{}
	matched := map[string]bool{}
	p := dynamodb.NewScanPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, item := range page.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, err
			}
			if sk == skMeta {
				conv, err := itemToConversation(item)
				if err != nil {
					return nil, err
				}
				convs[conv.ID] = conv
				if q != "" && containsFold(conv.Title, q) {
					matched[conv.ID] = true
				}
				continue
			}
			id, err := strAttr(item, "conversationId")
			if err != nil {
				return nil, err
			}
			matched[id] = true
		}
	}

	out := make([]domain.Conversation, 0, len(convs))
	for id, conv := range convs {
		if q == "" || matched[id] {
			out = append(out, conv)
		}
	}
	sortByUpdatedDesc(out)
	return out, nil
}

func (c *Client) UpdateTitle(ctx context.Context, id, title string) error {
	title = normalizeTitle(title)
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(id),
		UpdateExpression:    aws.String("SET #title = :title, searchText = :search, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#title": "title",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title":  &types.AttributeValueMemberS{Value: title},
			":search": &types.AttributeValueMemberS{Value: strings.ToLower(title)},
			":now":    numberAttr(domain.NowMillis()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return notFound(id)
		}
		return fmt.Errorf("repository: UpdateTitle: %w", err)
	}
	return nil
}

// DeleteConversation removes every item in the conversation's partition.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if _, _, err := c.getMeta(ctx, id); err != nil {
		return err
	}

	var keys []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("repository: DeleteConversation query: %w", err)
		}
		for _, item := range page.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
	}

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

// batchWrite sends reqs and resubmits unprocessed items a bounded number of
// times, backing off exponentially between attempts.
func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	backoff := unprocessedBackoff
	for attempt := 0; attempt <= maxUnprocessedRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		if attempt == maxUnprocessedRetries {
			break
		}
		if err := c.wait(ctx, backoff); err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		backoff = min(2*backoff, maxUnprocessedBackoff)
	}
	return fmt.Errorf("batch write: %d items left unprocessed", len(pending[c.tableName]))
}

// AppendMessage writes the message item and bumps the conversation's
// updatedAt and message counter in one transaction. The counter update is
// conditioned on the value read, so concurrent appends to the same
// conversation retry instead of reusing a sequence number.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if err := validateMessage(msg); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		conv, count, err := c.getMeta(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		next := count + 1
		updatedAt := max(conv.UpdatedAt, msg.Timestamp)

		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                messageItem(msg, next),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Update: &types.Update{
						TableName:           aws.String(c.tableName),
						Key:                 metaKey(msg.ConversationID),
						UpdateExpression:    aws.String("SET updatedAt = :ts, msgCount = :next"),
						ConditionExpression: aws.String("attribute_exists(PK) AND msgCount = :prev"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":ts":   numberAttr(updatedAt),
							":next": numberAttr(next),
							":prev": numberAttr(count),
						},
					},
				},
			},
		})
		if err == nil {
			return nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return fmt.Errorf("repository: AppendMessage: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("repository: AppendMessage: conflicting writes: %w", lastErr)
}

// ListMessages queries all MSG# items for a conversation in sort key order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, _, err := c.getMeta(ctx, conversationID); err != nil {
		return nil, err
	}

	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	msgs := []domain.Message{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range page.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.Conversation{}, err
	}
	created, err := intAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updated, err := intAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{ID: id, Title: title, CreatedAt: created, UpdatedAt: updated}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	ts, err := intAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		Timestamp:      ts,
	}, nil
}

func metaItem(conv domain.Conversation, msgCount int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skMeta},
		"id":         &types.AttributeValueMemberS{Value: conv.ID},
		"title":      &types.AttributeValueMemberS{Value: conv.Title},
		"searchText": &types.AttributeValueMemberS{Value: strings.ToLower(conv.Title)},
		"createdAt":  numberAttr(conv.CreatedAt),
		"updatedAt":  numberAttr(conv.UpdatedAt),
		"msgCount":   numberAttr(msgCount),
	}
}

func messageItem(msg domain.Message, seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.Timestamp, seq)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"searchText":     &types.AttributeValueMemberS{Value: strings.ToLower(msg.Content)},
		"timestamp":      numberAttr(msg.Timestamp),
		"seq":            numberAttr(seq),
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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
