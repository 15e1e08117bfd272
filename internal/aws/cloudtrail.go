package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeCloudTrail is the resource type of CloudTrail trails.
const TypeCloudTrail = "cloudtrail_trail"

// TrailRecord is a trail plus its logging status.
type TrailRecord struct {
	Region string
	Trail  cttypes.Trail
	Status *cloudtrail.GetTrailStatusOutput
}

// Trail is a CloudTrail trail whose home region is the account region,
// identified by name.
type Trail struct {
	resource.Identity

	HomeRegion string `json:"home_region"`
	Bucket     string `json:"bucket"`
	KMSKeyID   string `json:"kms_key_id"`

	MultiRegion   bool `json:"multi_region"`
	Organization  bool `json:"organization"`
	Logging       bool `json:"logging"`
	LogValidation bool `json:"log_validation"`
	Encrypted     bool `json:"encrypted"`
}

// TrailKind fetches and normalizes CloudTrail trails.
type TrailKind struct{}

// Name returns the resource type.
func (TrailKind) Name() string { return TypeCloudTrail }

// Fetch describes the trails homed in the account region, restricted to ids
// when given, and reads the status of each.
func (TrailKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[TrailRecord, error] {
	return func(yield func(TrailRecord, error) bool) {
		client := cloudTrailClient(acct)

		out, err := account.Call(ctx, acct, ServiceCloudTrail, "DescribeTrails", func(ctx context.Context) (*cloudtrail.DescribeTrailsOutput, error) {
			return client.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{
				IncludeShadowTrails: aws.Bool(false),
				TrailNameList:       ids,
			})
		})
		if err != nil {
			yield(TrailRecord{}, err)
			return
		}

		for _, trail := range out.TrailList {
			status, err := account.Call(ctx, acct, ServiceCloudTrail, "GetTrailStatus", func(ctx context.Context) (*cloudtrail.GetTrailStatusOutput, error) {
				return client.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{Name: trail.TrailARN})
			})
			if err != nil {
				var notFound *cttypes.TrailNotFoundException
				if errors.As(err, &notFound) {
					continue
				}
				yield(TrailRecord{}, err)
				return
			}
			if !yield(TrailRecord{Region: acct.Region(), Trail: trail, Status: status}, nil) {
				return
			}
		}
	}
}

// Normalize converts a trail record.
func (TrailKind) Normalize(raw TrailRecord) (Trail, error) {
	name := aws.ToString(raw.Trail.Name)
	if name == "" {
		return Trail{}, fmt.Errorf("trail without name: %w", checker.ErrMalformedRecord)
	}

	t := raw.Trail
	out := Trail{
		Identity:      resource.NewIdentity(name, TypeCloudTrail, name, aws.ToString(t.TrailARN), raw.Region),
		HomeRegion:    aws.ToString(t.HomeRegion),
		Bucket:        aws.ToString(t.S3BucketName),
		KMSKeyID:      aws.ToString(t.KmsKeyId),
		MultiRegion:   aws.ToBool(t.IsMultiRegionTrail),
		Organization:  aws.ToBool(t.IsOrganizationTrail),
		LogValidation: aws.ToBool(t.LogFileValidationEnabled),
	}
	out.Encrypted = out.KMSKeyID != ""
	if raw.Status != nil {
		out.Logging = aws.ToBool(raw.Status.IsLogging)
	}

	return out, nil
}

// CloudTrailChecker checks CloudTrail trails.
type CloudTrailChecker struct {
	*checker.Checker[TrailRecord, Trail]
}

// NewCloudTrailChecker creates a CloudTrailChecker borrowing acct.
func NewCloudTrailChecker(acct *account.Account) *CloudTrailChecker {
	return &CloudTrailChecker{checker.New[TrailRecord, Trail](acct, TrailKind{})}
}

// Trails returns the trails of the latest successful check.
func (c *CloudTrailChecker) Trails() []Trail {
	return c.Snapshot().All()
}
