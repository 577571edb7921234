// Package dynamo provides the DynamoDB client factory used by the DynamoDB
// ledger backend. Only this package imports the DynamoDB SDK; adapters use
// the re-exported types and helpers defined here.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Config holds DynamoDB connection parameters.
type Config struct {
	// Endpoint overrides the default AWS endpoint.
	// Set to a LocalStack URL (e.g. "http://localhost:4566") for local development.
	// When empty, the default AWS endpoint resolver is used.
	Endpoint string

	// Region is the AWS region for the DynamoDB client (e.g. "ap-south-1").
	Region string

	// Timeout is the HTTP client timeout for DynamoDB requests.
	Timeout time.Duration
}

// Client wraps the AWS DynamoDB SDK client.
// Adapters access the underlying SDK client via the DB field.
type Client struct {
	// DB is the underlying AWS DynamoDB SDK client.
	DB *dynamodb.Client
}

// NewClient creates a DynamoDB client configured from cfg.
// When cfg.Endpoint is non-empty, BaseEndpoint is set on the service client
// for LocalStack compatibility.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	var dbOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		dbOpts = append(dbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return &Client{
		DB: dynamodb.NewFromConfig(awsCfg, dbOpts...),
	}, nil
}

// ---------------------------------------------------------------------------
// Re-exports used by the ledger adapter, so it never imports the SDK.
// ---------------------------------------------------------------------------

// Item operations.
type (
	PutItemInput     = dynamodb.PutItemInput
	PutItemOutput    = dynamodb.PutItemOutput
	UpdateItemInput  = dynamodb.UpdateItemInput
	UpdateItemOutput = dynamodb.UpdateItemOutput
	QueryInput       = dynamodb.QueryInput
	QueryOutput      = dynamodb.QueryOutput
)

// Transactions. A ledger mutation is always one TransactWriteItems call.
type (
	TransactWriteItemsInput  = dynamodb.TransactWriteItemsInput
	TransactWriteItemsOutput = dynamodb.TransactWriteItemsOutput
	TransactWriteItem        = types.TransactWriteItem
	Put                      = types.Put
	Update                   = types.Update
)

// Attribute values. Amounts travel as N so DynamoDB does the arithmetic.
type (
	AttributeValue        = types.AttributeValue
	AttributeValueMemberS = types.AttributeValueMemberS
	AttributeValueMemberN = types.AttributeValueMemberN
)

// Expression builder for key conditions.
type Expression = expression.Expression

var (
	NewExpression = expression.NewBuilder
	Key           = expression.Key
	Value         = expression.Value
)

// ReturnValueAllNew asks UpdateItem to return the item as it is after the
// update.
const ReturnValueAllNew = types.ReturnValueAllNew

// ReturnOldOnConditionFailure asks a conditional write to attach the item it
// collided with to the ConditionalCheckFailedException.
const ReturnOldOnConditionFailure = types.ReturnValuesOnConditionCheckFailureAllOld

// Table management.
type (
	CreateTableInput    = dynamodb.CreateTableInput
	CreateTableOutput   = dynamodb.CreateTableOutput
	DescribeTableInput  = dynamodb.DescribeTableInput
	DescribeTableOutput = dynamodb.DescribeTableOutput
)

// Options is the client options type, for optFns in adapter interfaces.
type Options = dynamodb.Options

// Pointer and marshalling helpers.
var (
	Bool         = aws.Bool
	String       = aws.String
	MarshalMap   = attributevalue.MarshalMap
	UnmarshalMap = attributevalue.UnmarshalMap
)

// ---------------------------------------------------------------------------
// Table bootstrap for local development
// ---------------------------------------------------------------------------

// describeAPI is the subset of the SDK client Ping needs.
type describeAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// tableAPI is the subset of the SDK client EnsureTable needs.
type tableAPI interface {
	describeAPI
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Ping describes each table and fails on the first one DynamoDB cannot
// answer for. It backs the readiness probe.
func Ping(ctx context.Context, db describeAPI, tables ...TableSpec) error {
	for _, t := range tables {
		if _, err := db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.Name)}); err != nil {
			return fmt.Errorf("dynamodb ping %s: %w", t.Name, err)
		}
	}
	return nil
}

// TableSpec describes a table with a string hash key and an optional string
// range key.
type TableSpec struct {
	Name     string
	HashKey  string
	RangeKey string
}

// EnsureTable creates spec as an on-demand table when it does not exist.
// Production tables are provisioned by infrastructure; this is for
// LocalStack and DynamoDB Local.
func EnsureTable(ctx context.Context, db tableAPI, spec TableSpec) error {
	_, err := db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.Name)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("describe table %s: %w", spec.Name, err)
	}

	attrs := []types.AttributeDefinition{
		{AttributeName: aws.String(spec.HashKey), AttributeType: types.ScalarAttributeTypeS},
	}
	keys := []types.KeySchemaElement{
		{AttributeName: aws.String(spec.HashKey), KeyType: types.KeyTypeHash},
	}
	if spec.RangeKey != "" {
		attrs = append(attrs, types.AttributeDefinition{AttributeName: aws.String(spec.RangeKey), AttributeType: types.ScalarAttributeTypeS})
		keys = append(keys, types.KeySchemaElement{AttributeName: aws.String(spec.RangeKey), KeyType: types.KeyTypeRange})
	}

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(spec.Name),
		AttributeDefinitions: attrs,
		KeySchema:            keys,
		BillingMode:          types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// ErrTableNotFound builds the error DescribeTable returns for a missing
// table. Tests only.
func ErrTableNotFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// IsConditionalCheckFailed reports whether err is a
// ConditionalCheckFailedException, as a PutItem guarded by
// attribute_not_exists returns for a replayed key.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ConditionFailedItem returns the existing item attached to a
// ConditionalCheckFailedException by ReturnOldOnConditionFailure.
func ConditionFailedItem(err error) (map[string]AttributeValue, bool) {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) || ccf.Item == nil {
		return nil, false
	}
	return ccf.Item, true
}

// ErrConditionalCheckFailed builds the error DynamoDB returns for a failed
// condition, optionally carrying the existing item. Tests only.
func ErrConditionalCheckFailed(item ...map[string]AttributeValue) error {
	ccf := &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
	}
	if len(item) > 0 {
		ccf.Item = item[0]
	}
	return ccf
}

// ErrTransactionCanceled builds a TransactionCanceledException with one
// reason code per transaction item; "" marks an item that passed. Tests only.
func ErrTransactionCanceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, code := range codes {
		if code != "" {
			c := code
			reasons[i] = types.CancellationReason{Code: &c}
		}
	}
	msg := "Transaction cancelled"
	return &types.TransactionCanceledException{
		Message:             &msg,
		CancellationReasons: reasons,
	}
}

// IsTransactionCanceledException reports whether err is a DynamoDB
// TransactionCanceledException. When true, it returns the cancellation reason
// codes (one per transaction item, empty string if that item succeeded).
func IsTransactionCanceledException(err error) ([]string, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	reasons := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			reasons[i] = *r.Code
		}
	}
	return reasons, true
}
