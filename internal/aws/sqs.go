package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeSQSQueue is the resource type of SQS queues.
const TypeSQSQueue = "sqs_queue"

const (
	codeNonExistentQueue = "AWS.SimpleQueueService.NonExistentQueue"
	sqsListPageSize      = 1000
)

// QueueRecord is a queue URL and its attributes.
type QueueRecord struct {
	Region     string
	URL        string
	Attributes map[string]string
}

// Queue is an SQS queue, identified by name.
type Queue struct {
	resource.Identity

	URL               string `json:"url"`
	KMSKeyID          string `json:"kms_key_id"`
	SSEManaged        bool   `json:"sse_managed"`
	VisibilityTimeout int    `json:"visibility_timeout"`
	Policy            string `json:"policy,omitempty"`

	Encrypted bool `json:"encrypted"`
	// PublicPolicy is true when the queue policy allows any principal
	// without conditions.
	PublicPolicy bool `json:"public_policy"`
	// PolicyInvalid is true when the policy could not be parsed. PublicPolicy
	// is false in that case.
	PolicyInvalid bool `json:"policy_invalid"`
}

// QueueKind fetches and normalizes SQS queues.
type QueueKind struct{}

// Name returns the resource type.
func (QueueKind) Name() string { return TypeSQSQueue }

// Fetch lists queue URLs, or resolves ids as queue names, and reads the
// attributes of each queue.
func (QueueKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[QueueRecord, error] {
	return func(yield func(QueueRecord, error) bool) {
		client := sqsClient(acct)

		var urls []string
		if len(ids) == 0 {
			var err error
			urls, err = listQueues(ctx, acct, client)
			if err != nil {
				yield(QueueRecord{}, err)
				return
			}
		} else {
			for _, name := range ids {
				out, err := account.Call(ctx, acct, ServiceSQS, "GetQueueUrl", func(ctx context.Context) (*sqs.GetQueueUrlOutput, error) {
					return client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
				})
				if err != nil {
					if isQueueMissing(err) {
						continue
					}
					yield(QueueRecord{}, err)
					return
				}
				urls = append(urls, aws.ToString(out.QueueUrl))
			}
		}

		describeEach(ctx, TypeSQSQueue, urls,
			func(ctx context.Context, url string) (QueueRecord, bool, error) {
				out, err := account.Call(ctx, acct, ServiceSQS, "GetQueueAttributes", func(ctx context.Context) (*sqs.GetQueueAttributesOutput, error) {
					return client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
						QueueUrl:       aws.String(url),
						AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
					})
				})
				if err != nil {
					if isQueueMissing(err) {
						return QueueRecord{}, false, nil
					}
					return QueueRecord{}, false, err
				}
				return QueueRecord{Region: acct.Region(), URL: url, Attributes: out.Attributes}, true, nil
			},
			yield,
		)
	}
}

func listQueues(ctx context.Context, acct *account.Account, client SQSAPI) ([]string, error) {
	var urls []string
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceSQS, "ListQueues", func(ctx context.Context) (*sqs.ListQueuesOutput, error) {
			return client.ListQueues(ctx, &sqs.ListQueuesInput{
				MaxResults: aws.Int32(sqsListPageSize),
				NextToken:  nextToken,
			})
		})
		if err != nil {
			return nil, err
		}
		urls = append(urls, out.QueueUrls...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return urls, nil
}

func isQueueMissing(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	return errors.As(err, &missing) || account.HasErrorCode(err, codeNonExistentQueue)
}

// Normalize converts a queue record. Missing attributes take their zero values.
func (QueueKind) Normalize(raw QueueRecord) (Queue, error) {
	if raw.URL == "" {
		return Queue{}, fmt.Errorf("queue without url: %w", checker.ErrMalformedRecord)
	}

	attrs := raw.Attributes
	name := extractQueueName(raw.URL)
	arn := attrs[string(sqstypes.QueueAttributeNameQueueArn)]

	out := Queue{
		Identity:   resource.NewIdentity(name, TypeSQSQueue, name, arn, raw.Region),
		URL:        raw.URL,
		KMSKeyID:   attrs[string(sqstypes.QueueAttributeNameKmsMasterKeyId)],
		SSEManaged: attrs[string(sqstypes.QueueAttributeNameSqsManagedSseEnabled)] == "true",
		Policy:     attrs[string(sqstypes.QueueAttributeNamePolicy)],
	}
	out.VisibilityTimeout, _ = strconv.Atoi(attrs[string(sqstypes.QueueAttributeNameVisibilityTimeout)])
	out.Encrypted = out.KMSKeyID != "" || out.SSEManaged

	public, err := policyIsPublic(out.Policy)
	if err != nil {
		out.PolicyInvalid = true
	} else {
		out.PublicPolicy = public
	}

	return out, nil
}

// SQSChecker checks SQS queues.
type SQSChecker struct {
	*checker.Checker[QueueRecord, Queue]
}

// NewSQSChecker creates an SQSChecker borrowing acct.
func NewSQSChecker(acct *account.Account) *SQSChecker {
	return &SQSChecker{checker.New[QueueRecord, Queue](acct, QueueKind{})}
}

// Queues returns the queues of the latest successful check.
func (c *SQSChecker) Queues() []Queue {
	return c.Snapshot().All()
}
