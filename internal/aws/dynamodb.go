package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeDynamoDBTable is the resource type of DynamoDB tables.
const TypeDynamoDBTable = "dynamodb_table"

// TableRecord is one DescribeTable response with its backup settings and tags.
type TableRecord struct {
	Region  string
	Table   *ddbtypes.TableDescription
	Backups *ddbtypes.ContinuousBackupsDescription
	Tags    []ddbtypes.Tag
}

// Table is a DynamoDB table, identified by name.
type Table struct {
	resource.Identity

	Status      string `json:"status"`
	BillingMode string `json:"billing_mode"`
	KMSKeyID    string `json:"kms_key_id"`

	PointInTimeRecovery bool `json:"point_in_time_recovery"`
	DeletionProtection  bool `json:"deletion_protection"`
	// CustomerKey is true when the table is encrypted with a KMS key rather
	// than the default AWS owned key.
	CustomerKey bool `json:"customer_key"`
}

// TableKind fetches and normalizes DynamoDB tables.
type TableKind struct{}

// Name returns the resource type.
func (TableKind) Name() string { return TypeDynamoDBTable }

// Fetch lists table names, or uses ids, and describes each table.
func (TableKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[TableRecord, error] {
	return func(yield func(TableRecord, error) bool) {
		client := dynamoDBClient(acct)

		names := ids
		if len(names) == 0 {
			var err error
			names, err = listTables(ctx, acct, client)
			if err != nil {
				yield(TableRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeDynamoDBTable, names,
			func(ctx context.Context, name string) (TableRecord, bool, error) {
				return describeTable(ctx, acct, client, name)
			},
			yield,
		)
	}
}

func listTables(ctx context.Context, acct *account.Account, client DynamoDBAPI) ([]string, error) {
	var names []string
	var lastKey *string

	for {
		out, err := account.Call(ctx, acct, ServiceDynamoDB, "ListTables", func(ctx context.Context) (*dynamodb.ListTablesOutput, error) {
			return client.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastKey})
		})
		if err != nil {
			return nil, err
		}
		names = append(names, out.TableNames...)

		if out.LastEvaluatedTableName == nil {
			break
		}
		lastKey = out.LastEvaluatedTableName
	}

	return names, nil
}

func describeTable(ctx context.Context, acct *account.Account, client DynamoDBAPI, name string) (TableRecord, bool, error) {
	out, err := account.Call(ctx, acct, ServiceDynamoDB, "DescribeTable", func(ctx context.Context) (*dynamodb.DescribeTableOutput, error) {
		return client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	})
	if err != nil {
		if isTableMissing(err) {
			return TableRecord{}, false, nil
		}
		return TableRecord{}, false, err
	}
	rec := TableRecord{Region: acct.Region(), Table: out.Table}

	backups, err := account.Call(ctx, acct, ServiceDynamoDB, "DescribeContinuousBackups", func(ctx context.Context) (*dynamodb.DescribeContinuousBackupsOutput, error) {
		return client.DescribeContinuousBackups(ctx, &dynamodb.DescribeContinuousBackupsInput{TableName: aws.String(name)})
	})
	if err != nil {
		return tableGone(err)
	}
	rec.Backups = backups.ContinuousBackupsDescription

	if out.Table == nil || out.Table.TableArn == nil {
		return rec, true, nil
	}

	var nextToken *string
	for {
		tags, err := account.Call(ctx, acct, ServiceDynamoDB, "ListTagsOfResource", func(ctx context.Context) (*dynamodb.ListTagsOfResourceOutput, error) {
			return client.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{ResourceArn: out.Table.TableArn, NextToken: nextToken})
		})
		if err != nil {
			return tableGone(err)
		}
		rec.Tags = append(rec.Tags, tags.Tags...)
		if tags.NextToken == nil {
			break
		}
		nextToken = tags.NextToken
	}

	return rec, true, nil
}

func isTableMissing(err error) bool {
	var notFound *ddbtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var backupsMissing *ddbtypes.TableNotFoundException
	return errors.As(err, &backupsMissing)
}

// tableGone turns a table deleted mid-check into not-found.
func tableGone(err error) (TableRecord, bool, error) {
	if isTableMissing(err) {
		return TableRecord{}, false, nil
	}
	return TableRecord{}, false, err
}

// Normalize converts a table record.
func (TableKind) Normalize(raw TableRecord) (Table, error) {
	t := raw.Table
	if t == nil || aws.ToString(t.TableName) == "" {
		return Table{}, fmt.Errorf("table without name: %w", checker.ErrMalformedRecord)
	}

	name := aws.ToString(t.TableName)
	out := Table{
		Identity:           resource.NewIdentity(name, TypeDynamoDBTable, name, aws.ToString(t.TableArn), raw.Region),
		Status:             string(t.TableStatus),
		DeletionProtection: aws.ToBool(t.DeletionProtectionEnabled),
	}
	if t.BillingModeSummary != nil {
		out.BillingMode = string(t.BillingModeSummary.BillingMode)
	}
	if sse := t.SSEDescription; sse != nil {
		out.KMSKeyID = aws.ToString(sse.KMSMasterKeyArn)
		out.CustomerKey = sse.SSEType == ddbtypes.SSETypeKms && sse.Status == ddbtypes.SSEStatusEnabled
	}
	if b := raw.Backups; b != nil && b.PointInTimeRecoveryDescription != nil {
		out.PointInTimeRecovery = b.PointInTimeRecoveryDescription.PointInTimeRecoveryStatus == ddbtypes.PointInTimeRecoveryStatusEnabled
	}
	for _, tag := range raw.Tags {
		out.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	return out, nil
}

// DynamoDBChecker checks DynamoDB tables.
type DynamoDBChecker struct {
	*checker.Checker[TableRecord, Table]
}

// NewDynamoDBChecker creates a DynamoDBChecker borrowing acct.
func NewDynamoDBChecker(acct *account.Account) *DynamoDBChecker {
	return &DynamoDBChecker{checker.New[TableRecord, Table](acct, TableKind{})}
}

// Tables returns the tables of the latest successful check.
func (c *DynamoDBChecker) Tables() []Table {
	return c.Snapshot().All()
}
