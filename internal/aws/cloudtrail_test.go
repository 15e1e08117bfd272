package aws

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/internal/rule"
)

func trail(name string, multiRegion, validation bool) cttypes.Trail {
	return cttypes.Trail{
		Name:                     aws.String(name),
		TrailARN:                 aws.String("arn:aws:cloudtrail:us-east-1:123456789012:trail/" + name),
		HomeRegion:               aws.String(testRegion),
		S3BucketName:             aws.String("audit-logs"),
		IsMultiRegionTrail:       aws.Bool(multiRegion),
		LogFileValidationEnabled: aws.Bool(validation),
	}
}

func TestTrailKind_Normalize(t *testing.T) {
	raw := trail("org", true, true)
	raw.KmsKeyId = aws.String("arn:aws:kms:us-east-1:123456789012:key/k1")
	raw.IsOrganizationTrail = aws.Bool(true)

	tr, err := TrailKind{}.Normalize(TrailRecord{
		Region: testRegion,
		Trail:  raw,
		Status: &cloudtrail.GetTrailStatusOutput{IsLogging: aws.Bool(true)},
	})
	require.NoError(t, err)

	assert.Equal(t, "org", tr.ID)
	assert.Equal(t, TypeCloudTrail, tr.Type)
	assert.Equal(t, testRegion, tr.HomeRegion)
	assert.Equal(t, "audit-logs", tr.Bucket)
	assert.True(t, tr.MultiRegion)
	assert.True(t, tr.Organization)
	assert.True(t, tr.Logging)
	assert.True(t, tr.LogValidation)
	assert.True(t, tr.Encrypted)
}

func TestTrailKind_NormalizeWithoutStatus(t *testing.T) {
	tr, err := TrailKind{}.Normalize(TrailRecord{Region: testRegion, Trail: trail("t", false, false)})
	require.NoError(t, err)
	assert.False(t, tr.Logging)
	assert.False(t, tr.Encrypted)
}

func TestTrailKind_NormalizeMalformed(t *testing.T) {
	_, err := TrailKind{}.Normalize(TrailRecord{})
	assert.ErrorIs(t, err, checker.ErrMalformedRecord)
}

func TestCloudTrailChecker(t *testing.T) {
	trails := []cttypes.Trail{
		trail("main", true, true),
		trail("local", false, false),
		trail("deleted", true, true),
	}

	var lastNames []string
	client := &mockCloudTrailClient{
		DescribeTrailsFunc: func(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error) {
			assert.False(t, aws.ToBool(params.IncludeShadowTrails))
			lastNames = params.TrailNameList
			if len(params.TrailNameList) == 0 {
				return &cloudtrail.DescribeTrailsOutput{TrailList: trails}, nil
			}
			var out []cttypes.Trail
			for _, tr := range trails {
				for _, name := range params.TrailNameList {
					if aws.ToString(tr.Name) == name {
						out = append(out, tr)
					}
				}
			}
			return &cloudtrail.DescribeTrailsOutput{TrailList: out}, nil
		},
		GetTrailStatusFunc: func(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error) {
			arn := aws.ToString(params.Name)
			if arn == aws.ToString(trails[2].TrailARN) {
				return nil, &cttypes.TrailNotFoundException{Message: aws.String("Unknown trail")}
			}
			return &cloudtrail.GetTrailStatusOutput{IsLogging: aws.Bool(arn == aws.ToString(trails[0].TrailARN))}, nil
		},
	}

	c := NewCloudTrailChecker(newTestAccount(ServiceCloudTrail, CloudTrailAPI(client)))
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, []string{"local", "main"}, c.Snapshot().IDs())

	findings := rule.Evaluate(context.Background(), c.Snapshot(), CloudTrailRules()...)
	assert.Equal(t, map[string]int{
		"cloudtrail-multi-region":   1,
		"cloudtrail-logging":        1,
		"cloudtrail-log-validation": 1,
	}, rule.Failures(findings))

	require.NoError(t, c.Check(context.Background(), "main", "missing"))
	assert.Equal(t, []string{"main", "missing"}, lastNames)
	got := c.Trails()
	require.Len(t, got, 1)
	assert.Equal(t, "main", got[0].ID)
}
