package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeLogGroup is the resource type of CloudWatch Logs log groups.
const TypeLogGroup = "logs_log_group"

// LogGroupRecord is one log group from DescribeLogGroups plus its tags.
type LogGroupRecord struct {
	Region   string
	LogGroup cwltypes.LogGroup
	Tags     map[string]string
}

// LogGroup is a CloudWatch Logs log group, identified by name.
type LogGroup struct {
	resource.Identity

	// RetentionDays is zero when events never expire.
	RetentionDays int    `json:"retention_days"`
	KMSKeyID      string `json:"kms_key_id"`

	RetentionSet bool `json:"retention_set"`
	Encrypted    bool `json:"encrypted"`
}

// LogGroupKind fetches and normalizes log groups.
type LogGroupKind struct{}

// Name returns the resource type.
func (LogGroupKind) Name() string { return TypeLogGroup }

// Fetch pages through DescribeLogGroups and reads the tags of every group.
// For ids it looks each name up by prefix and keeps the exact match.
func (LogGroupKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[LogGroupRecord, error] {
	return func(yield func(LogGroupRecord, error) bool) {
		client := logsClient(acct)

		var groups []cwltypes.LogGroup
		if len(ids) == 0 {
			var err error
			groups, err = describeLogGroups(ctx, acct, client, nil)
			if err != nil {
				yield(LogGroupRecord{}, err)
				return
			}
		}
		for _, name := range ids {
			found, err := describeLogGroups(ctx, acct, client, aws.String(name))
			if err != nil {
				yield(LogGroupRecord{}, err)
				return
			}
			for _, g := range found {
				if aws.ToString(g.LogGroupName) == name {
					groups = append(groups, g)
				}
			}
		}

		for _, g := range groups {
			rec := LogGroupRecord{Region: acct.Region(), LogGroup: g}
			if g.LogGroupArn != nil {
				tags, err := account.Call(ctx, acct, ServiceLogs, "ListTagsForResource", func(ctx context.Context) (*cloudwatchlogs.ListTagsForResourceOutput, error) {
					return client.ListTagsForResource(ctx, &cloudwatchlogs.ListTagsForResourceInput{ResourceArn: g.LogGroupArn})
				})
				if err != nil {
					var notFound *cwltypes.ResourceNotFoundException
					if errors.As(err, &notFound) {
						continue
					}
					yield(LogGroupRecord{}, err)
					return
				}
				rec.Tags = tags.Tags
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func describeLogGroups(ctx context.Context, acct *account.Account, client LogsAPI, prefix *string) ([]cwltypes.LogGroup, error) {
	var groups []cwltypes.LogGroup
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceLogs, "DescribeLogGroups", func(ctx context.Context) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
			return client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
				LogGroupNamePrefix: prefix,
				NextToken:          nextToken,
			})
		})
		if err != nil {
			return nil, err
		}
		groups = append(groups, out.LogGroups...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return groups, nil
}

// Normalize converts a log group record.
func (LogGroupKind) Normalize(raw LogGroupRecord) (LogGroup, error) {
	g := raw.LogGroup
	name := aws.ToString(g.LogGroupName)
	if name == "" {
		return LogGroup{}, fmt.Errorf("log group without name: %w", checker.ErrMalformedRecord)
	}

	out := LogGroup{
		Identity:      resource.NewIdentity(name, TypeLogGroup, name, aws.ToString(g.LogGroupArn), raw.Region),
		RetentionDays: int(aws.ToInt32(g.RetentionInDays)),
		KMSKeyID:      aws.ToString(g.KmsKeyId),
	}
	out.RetentionSet = out.RetentionDays > 0
	out.Encrypted = out.KMSKeyID != ""
	maps.Copy(out.Tags, raw.Tags)

	return out, nil
}

// LogsChecker checks CloudWatch Logs log groups.
type LogsChecker struct {
	*checker.Checker[LogGroupRecord, LogGroup]
}

// NewLogsChecker creates a LogsChecker borrowing acct.
func NewLogsChecker(acct *account.Account) *LogsChecker {
	return &LogsChecker{checker.New[LogGroupRecord, LogGroup](acct, LogGroupKind{})}
}

// LogGroups returns the log groups of the latest successful check.
func (c *LogsChecker) LogGroups() []LogGroup {
	return c.Snapshot().All()
}
