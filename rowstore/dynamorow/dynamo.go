// Package dynamorow implements rowstore.Store on DynamoDB.
//
// Each provisioned schema becomes one table with a composite string
// partition attribute ("pk", the joined partition-key values) and a string
// sort attribute ("sk", the joined cluster-key values, or "-" when the
// schema has none). Declared columns are stored alongside as native
// attributes so rows decode back to their original types.
package dynamorow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfeidau/blobtable/rowstore"
)

const (
	pkAttr = "pk"
	skAttr = "sk"

	// emptySortKey is stored when a schema declares no cluster columns;
	// DynamoDB requires a value for every key attribute.
	emptySortKey = "-"

	keyJoin = "#"
)

// Client is the subset of the DynamoDB API the store uses. Satisfied by
// *dynamodb.Client; tests provide an in-memory mock.
type Client interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store implements rowstore.Store using DynamoDB.
type Store struct {
	client      Client
	logger      *slog.Logger
	tablePrefix string
	schemas     map[string]rowstore.Schema
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTablePrefix prefixes every DynamoDB table name, allowing several
// deployments to share one account.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.tablePrefix = prefix
	}
}

// New creates a Store using the given DynamoDB client.
func New(client Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		logger:  slog.Default(),
		schemas: make(map[string]rowstore.Schema),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tableName(table string) string {
	return s.tablePrefix + table
}

// Provision creates the table for schema if it does not already exist.
func (s *Store) Provision(ctx context.Context, schema rowstore.Schema) error {
	s.schemas[schema.Table] = schema
	name := s.tableName(schema.Table)

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describing table %s: %w", name, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(pkAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(skAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(pkAttr), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(skAttr), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if !errors.As(err, &exists) {
			return fmt.Errorf("creating table %s: %w", name, err)
		}
	}

	if err := s.waitActive(ctx, name); err != nil {
		return err
	}

	s.logger.Debug("provisioned dynamodb table", "table", name)
	return nil
}

// waitActive polls until the table reports ACTIVE. New on-demand tables
// usually settle within a few seconds.
func (s *Store) waitActive(ctx context.Context, name string) error {
	for attempt := 0; attempt < 30; attempt++ {
		out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(name),
		})
		if err != nil {
			return fmt.Errorf("describing table %s: %w", name, err)
		}
		if out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("table %s did not become active", name)
}

func (s *Store) schema(table string) (rowstore.Schema, error) {
	schema, ok := s.schemas[table]
	if !ok {
		return rowstore.Schema{}, fmt.Errorf("dynamorow: table %s not provisioned", table)
	}
	return schema, nil
}

// Select returns every row matching key. A key covering only the partition
// columns becomes a Query over the partition.
func (s *Store) Select(ctx context.Context, table string, key rowstore.Key) ([]rowstore.Row, error) {
	schema, err := s.schema(table)
	if err != nil {
		return nil, err
	}

	pk, sk, full, err := compositeKey(schema, key)
	if err != nil {
		return nil, err
	}

	if full {
		row, err := s.getItem(ctx, schema, pk, sk)
		if errors.Is(err, rowstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []rowstore.Row{row}, nil
	}

	return s.queryPartition(ctx, schema, pk)
}

// SelectOne returns the single row matching key, or rowstore.ErrNotFound.
func (s *Store) SelectOne(ctx context.Context, table string, key rowstore.Key) (rowstore.Row, error) {
	schema, err := s.schema(table)
	if err != nil {
		return nil, err
	}

	pk, sk, full, err := compositeKey(schema, key)
	if err != nil {
		return nil, err
	}
	if !full {
		rows, err := s.queryPartition(ctx, schema, pk)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, rowstore.ErrNotFound
		}
		return rows[0], nil
	}

	return s.getItem(ctx, schema, pk, sk)
}

// Upsert inserts or replaces the row identified by its key columns.
func (s *Store) Upsert(ctx context.Context, table string, row rowstore.Row) error {
	schema, err := s.schema(table)
	if err != nil {
		return err
	}

	pk, sk, full, err := compositeKey(schema, rowstore.Key(row))
	if err != nil {
		return err
	}
	if !full {
		return fmt.Errorf("dynamorow: row missing key columns for %s", table)
	}

	item := map[string]types.AttributeValue{
		pkAttr: &types.AttributeValueMemberS{Value: pk},
		skAttr: &types.AttributeValueMemberS{Value: sk},
	}
	for col, v := range row {
		av, err := encodeAttr(v)
		if err != nil {
			return fmt.Errorf("dynamorow: column %s: %w", col, err)
		}
		item[col] = av
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName(table)),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting item in %s: %w", table, err)
	}
	return nil
}

// Delete removes every row matching key.
func (s *Store) Delete(ctx context.Context, table string, key rowstore.Key) error {
	schema, err := s.schema(table)
	if err != nil {
		return err
	}

	pk, sk, full, err := compositeKey(schema, key)
	if err != nil {
		return err
	}

	if full {
		return s.deleteItem(ctx, table, pk, sk)
	}

	rows, err := s.queryPartition(ctx, schema, pk)
	if err != nil {
		return err
	}
	for _, row := range rows {
		_, rowSK, _, err := compositeKey(schema, rowstore.Key(row))
		if err != nil {
			return err
		}
		if err := s.deleteItem(ctx, table, pk, rowSK); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getItem(ctx context.Context, schema rowstore.Schema, pk, sk string) (rowstore.Row, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName(schema.Table)),
		Key: map[string]types.AttributeValue{
			pkAttr: &types.AttributeValueMemberS{Value: pk},
			skAttr: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting item from %s: %w", schema.Table, err)
	}
	if resp.Item == nil {
		return nil, rowstore.ErrNotFound
	}
	return decodeItem(schema, resp.Item)
}

func (s *Store) queryPartition(ctx context.Context, schema rowstore.Schema, pk string) ([]rowstore.Row, error) {
	var rows []rowstore.Row
	var startKey map[string]types.AttributeValue

	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName(schema.Table)),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", schema.Table, err)
		}

		for _, item := range resp.Items {
			row, err := decodeItem(schema, item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	return rows, nil
}

func (s *Store) deleteItem(ctx context.Context, table, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName(table)),
		Key: map[string]types.AttributeValue{
			pkAttr: &types.AttributeValueMemberS{Value: pk},
			skAttr: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting item from %s: %w", table, err)
	}
	return nil
}

// compositeKey encodes key into the pk and sk attribute values. full is
// true when key covers every key column. Partition columns are mandatory;
// cluster columns may only be omitted as a whole (partition scan).
func compositeKey(schema rowstore.Schema, key rowstore.Key) (pk, sk string, full bool, err error) {
	pkParts := make([]string, 0, len(schema.PartitionKeys))
	for _, col := range schema.PartitionKeys {
		v, ok := key[col.Name]
		if !ok {
			return "", "", false, fmt.Errorf("dynamorow: key missing partition column %s", col.Name)
		}
		pkParts = append(pkParts, encodeKeyValue(v))
	}
	pk = strings.Join(pkParts, keyJoin)

	if len(schema.ClusterKeys) == 0 {
		return pk, emptySortKey, true, nil
	}

	skParts := make([]string, 0, len(schema.ClusterKeys))
	for i, col := range schema.ClusterKeys {
		v, ok := key[col.Name]
		if !ok {
			if i == 0 {
				return pk, "", false, nil
			}
			return "", "", false, fmt.Errorf("dynamorow: key missing cluster column %s", col.Name)
		}
		skParts = append(skParts, encodeKeyValue(v))
	}
	return pk, strings.Join(skParts, keyJoin), true, nil
}

// encodeKeyValue renders a key-column value into its composite-key form.
// Integers are zero-padded so lexicographic sort-key order matches numeric
// order.
func encodeKeyValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case int:
		return fmt.Sprintf("%020d", n)
	case int64:
		return fmt.Sprintf("%020d", n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func encodeAttr(v any) (types.AttributeValue, error) {
	switch n := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: n}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: n}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: n.UTC().Format(time.RFC3339Nano)}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func decodeItem(schema rowstore.Schema, item map[string]types.AttributeValue) (rowstore.Row, error) {
	row := make(rowstore.Row)

	cols := schema.KeyColumns()
	cols = append(cols, schema.DataColumns...)
	for _, col := range cols {
		av, ok := item[col.Name]
		if !ok {
			continue
		}
		v, err := decodeAttr(col, av)
		if err != nil {
			return nil, err
		}
		row[col.Name] = v
	}
	return row, nil
}

func decodeAttr(col rowstore.Column, av types.AttributeValue) (any, error) {
	switch col.Type {
	case rowstore.TypeString:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamorow: column %s is not a string", col.Name)
		}
		return s.Value, nil
	case rowstore.TypeInt:
		n, ok := av.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("dynamorow: column %s is not a number", col.Name)
		}
		i, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dynamorow: parsing column %s: %w", col.Name, err)
		}
		return i, nil
	case rowstore.TypeBytes:
		b, ok := av.(*types.AttributeValueMemberB)
		if !ok {
			return nil, fmt.Errorf("dynamorow: column %s is not bytes", col.Name)
		}
		return b.Value, nil
	case rowstore.TypeTime:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamorow: column %s is not a time", col.Name)
		}
		t, err := time.Parse(time.RFC3339Nano, s.Value)
		if err != nil {
			return nil, fmt.Errorf("dynamorow: parsing column %s: %w", col.Name, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("dynamorow: unknown column type for %s", col.Name)
	}
}
