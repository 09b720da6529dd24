// Package dynamo provides a key-value cache layer on Amazon DynamoDB.
//
// Items live in a single table keyed by the string attribute "pk". Values are
// stored as binary in "val", and "expires_at" holds the expiry in Unix seconds
// so the table's native TTL can be pointed at it.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/memgov/tier"
)

const (
	attrKey     = "pk"
	attrValue   = "val"
	attrExpires = "expires_at"
)

// Client is the subset of the DynamoDB API the backend needs.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store is a DynamoDB-backed cache layer.
type Store struct {
	client Client
	table  string
	now    func() time.Time
}

var _ tier.Backend = (*Store)(nil)

// NewStore creates a backend on an existing client.
func NewStore(client Client, table string) *Store {
	return &Store{client: client, table: table, now: time.Now}
}

// New loads the default AWS configuration and creates a backend.
func New(ctx context.Context, table, region string) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return NewStore(dynamodb.NewFromConfig(cfg), table), nil
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}}
}

// Get reads an item with a strongly consistent read.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, tier.ErrNotFound
	}

	// TTL deletion is lazy on the DynamoDB side.
	if exp, ok := out.Item[attrExpires].(*types.AttributeValueMemberN); ok {
		sec, err := strconv.ParseInt(exp.Value, 10, 64)
		if err == nil && s.now().Unix() >= sec {
			return nil, tier.ErrNotFound
		}
	}

	val, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamo: item %q has no binary value", key)
	}
	return val.Value, nil
}

// Put writes an item, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		attrKey:   &types.AttributeValueMemberS{Value: key},
		attrValue: &types.AttributeValueMemberB{Value: value},
	}
	if ttl > 0 {
		exp := s.now().Add(ttl).Unix()
		item[attrExpires] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

// Delete removes an item.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(key),
	})
	return err
}

// Ping checks that the table exists and is active.
func (s *Store) Ping(ctx context.Context) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return fmt.Errorf("dynamo: table %q not found", s.table)
		}
		return err
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return fmt.Errorf("dynamo: table %q is %s", s.table, out.Table.TableStatus)
	}
	return nil
}
