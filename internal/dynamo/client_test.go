package dynamo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/dynamo"
)

func TestNewClientWithEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: "http://localhost:4566",
		Region:   "ap-south-1",
		Timeout:  5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

func TestNewClientWithDefaultEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Region:  "ap-south-1",
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

type stubTables struct {
	describeErr error
	createErr   error
	created     *dynamo.CreateTableInput
}

func (s *stubTables) DescribeTable(_ context.Context, _ *dynamo.DescribeTableInput, _ ...func(*dynamo.Options)) (*dynamo.DescribeTableOutput, error) {
	if s.describeErr != nil {
		return nil, s.describeErr
	}
	return &dynamo.DescribeTableOutput{}, nil
}

func (s *stubTables) CreateTable(_ context.Context, in *dynamo.CreateTableInput, _ ...func(*dynamo.Options)) (*dynamo.CreateTableOutput, error) {
	s.created = in
	return &dynamo.CreateTableOutput{}, s.createErr
}

func TestEnsureTable(t *testing.T) {
	t.Run("existing table is left alone", func(t *testing.T) {
		stub := &stubTables{}

		err := dynamo.EnsureTable(context.Background(), stub, dynamo.TableSpec{Name: "accounts", HashKey: "user_id"})

		require.NoError(t, err)
		require.Nil(t, stub.created)
	})

	t.Run("missing table is created with both keys", func(t *testing.T) {
		stub := &stubTables{describeErr: dynamo.ErrTableNotFound()}

		err := dynamo.EnsureTable(context.Background(), stub, dynamo.TableSpec{
			Name: "transactions", HashKey: "user_id", RangeKey: "txn_id",
		})

		require.NoError(t, err)
		require.NotNil(t, stub.created)
		require.Equal(t, "transactions", *stub.created.TableName)
		require.Len(t, stub.created.KeySchema, 2)
		require.Len(t, stub.created.AttributeDefinitions, 2)
	})

	t.Run("describe failure is returned", func(t *testing.T) {
		stub := &stubTables{describeErr: errors.New("network down")}

		err := dynamo.EnsureTable(context.Background(), stub, dynamo.TableSpec{Name: "accounts", HashKey: "user_id"})

		require.Error(t, err)
		require.Contains(t, err.Error(), "describe table accounts")
		require.Nil(t, stub.created)
	})
}

func TestPing(t *testing.T) {
	tables := []dynamo.TableSpec{{Name: "accounts"}, {Name: "transactions"}}

	t.Run("reachable tables are ready", func(t *testing.T) {
		require.NoError(t, dynamo.Ping(context.Background(), &stubTables{}, tables...))
	})

	t.Run("missing table names itself", func(t *testing.T) {
		err := dynamo.Ping(context.Background(), &stubTables{describeErr: dynamo.ErrTableNotFound()}, tables...)
		require.Error(t, err)
		require.Contains(t, err.Error(), "dynamodb ping accounts")
	})
}

func TestConditionFailedItem(t *testing.T) {
	item := map[string]dynamo.AttributeValue{
		"nonce": &dynamo.AttributeValueMemberS{Value: "n-1"},
	}

	got, ok := dynamo.ConditionFailedItem(fmt.Errorf("put: %w", dynamo.ErrConditionalCheckFailed(item)))
	require.True(t, ok)
	require.Equal(t, item, got)

	_, ok = dynamo.ConditionFailedItem(dynamo.ErrConditionalCheckFailed())
	require.False(t, ok, "no item attached")

	_, ok = dynamo.ConditionFailedItem(errors.New("throttled"))
	require.False(t, ok)
}
