package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
)

// describeEach describes ids one at a time, yielding each record found.
// Ids for which describe reports found=false are skipped. The first error
// stops the sequence.
func describeEach[R any](
	ctx context.Context,
	kind string,
	ids []string,
	describe func(ctx context.Context, id string) (R, bool, error),
	yield func(R, error) bool,
) {
	for _, id := range ids {
		rec, found, err := describe(ctx, id)
		if err != nil {
			var zero R
			yield(zero, err)
			return
		}
		if !found {
			log.Debug().Str("checker", kind).Str("id", id).Msg("resource not found, skipping")
			continue
		}
		if !yield(rec, nil) {
			return
		}
	}
}

// idFilter builds an EC2 filter restricting results to ids. Unknown ids
// simply match nothing.
func idFilter(name string, ids []string) []ec2types.Filter {
	if len(ids) == 0 {
		return nil
	}
	return []ec2types.Filter{{Name: aws.String(name), Values: ids}}
}

// extractNameTag extracts the Name tag from EC2 tags.
func extractNameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// extractQueueName extracts queue name from SQS URL.
func extractQueueName(queueURL string) string {
	if i := strings.LastIndex(queueURL, "/"); i >= 0 {
		return queueURL[i+1:]
	}
	return queueURL
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}
