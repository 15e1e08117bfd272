package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeRedshiftCluster is the resource type of Redshift clusters.
const TypeRedshiftCluster = "redshift_cluster"

// RedshiftRecord is one cluster from DescribeClusters.
type RedshiftRecord struct {
	Region  string
	Cluster redshifttypes.Cluster
}

// RedshiftCluster is a provisioned Redshift cluster, identified by cluster
// identifier.
type RedshiftCluster struct {
	resource.Identity

	Status   string `json:"status"`
	NodeType string `json:"node_type"`
	Nodes    int    `json:"nodes"`
	KMSKeyID string `json:"kms_key_id"`

	SnapshotRetentionDays int `json:"snapshot_retention_days"`

	Encrypted          bool `json:"encrypted"`
	PubliclyAccessible bool `json:"publicly_accessible"`
	EnhancedVPCRouting bool `json:"enhanced_vpc_routing"`
}

// RedshiftKind fetches and normalizes Redshift clusters.
type RedshiftKind struct{}

// Name returns the resource type.
func (RedshiftKind) Name() string { return TypeRedshiftCluster }

// Fetch pages through DescribeClusters, or describes each of ids.
func (RedshiftKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[RedshiftRecord, error] {
	return func(yield func(RedshiftRecord, error) bool) {
		client := redshiftClient(acct)

		if len(ids) > 0 {
			describeEach(ctx, TypeRedshiftCluster, ids,
				func(ctx context.Context, id string) (RedshiftRecord, bool, error) {
					return describeRedshiftCluster(ctx, acct, client, id)
				},
				yield,
			)
			return
		}

		var marker *string
		for {
			out, err := account.Call(ctx, acct, ServiceRedshift, "DescribeClusters", func(ctx context.Context) (*redshift.DescribeClustersOutput, error) {
				return client.DescribeClusters(ctx, &redshift.DescribeClustersInput{Marker: marker})
			})
			if err != nil {
				yield(RedshiftRecord{}, err)
				return
			}
			for _, c := range out.Clusters {
				if !yield(RedshiftRecord{Region: acct.Region(), Cluster: c}, nil) {
					return
				}
			}

			if out.Marker == nil {
				return
			}
			marker = out.Marker
		}
	}
}

func describeRedshiftCluster(ctx context.Context, acct *account.Account, client RedshiftAPI, id string) (RedshiftRecord, bool, error) {
	out, err := account.Call(ctx, acct, ServiceRedshift, "DescribeClusters", func(ctx context.Context) (*redshift.DescribeClustersOutput, error) {
		return client.DescribeClusters(ctx, &redshift.DescribeClustersInput{ClusterIdentifier: aws.String(id)})
	})
	if err != nil {
		var notFound *redshifttypes.ClusterNotFoundFault
		if errors.As(err, &notFound) {
			return RedshiftRecord{}, false, nil
		}
		return RedshiftRecord{}, false, err
	}
	if len(out.Clusters) == 0 {
		return RedshiftRecord{}, false, nil
	}
	return RedshiftRecord{Region: acct.Region(), Cluster: out.Clusters[0]}, true, nil
}

// Normalize converts a cluster record.
func (RedshiftKind) Normalize(raw RedshiftRecord) (RedshiftCluster, error) {
	c := raw.Cluster
	id := aws.ToString(c.ClusterIdentifier)
	if id == "" {
		return RedshiftCluster{}, fmt.Errorf("redshift cluster without identifier: %w", checker.ErrMalformedRecord)
	}

	out := RedshiftCluster{
		Identity:              resource.NewIdentity(id, TypeRedshiftCluster, id, aws.ToString(c.ClusterNamespaceArn), raw.Region),
		Status:                aws.ToString(c.ClusterStatus),
		NodeType:              aws.ToString(c.NodeType),
		Nodes:                 int(aws.ToInt32(c.NumberOfNodes)),
		KMSKeyID:              aws.ToString(c.KmsKeyId),
		SnapshotRetentionDays: int(aws.ToInt32(c.AutomatedSnapshotRetentionPeriod)),
		Encrypted:             aws.ToBool(c.Encrypted),
		PubliclyAccessible:    aws.ToBool(c.PubliclyAccessible),
		EnhancedVPCRouting:    aws.ToBool(c.EnhancedVpcRouting),
	}
	for _, t := range c.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// RedshiftChecker checks Redshift clusters.
type RedshiftChecker struct {
	*checker.Checker[RedshiftRecord, RedshiftCluster]
}

// NewRedshiftChecker creates a RedshiftChecker borrowing acct.
func NewRedshiftChecker(acct *account.Account) *RedshiftChecker {
	return &RedshiftChecker{checker.New[RedshiftRecord, RedshiftCluster](acct, RedshiftKind{})}
}

// Clusters returns the clusters of the latest successful check.
func (c *RedshiftChecker) Clusters() []RedshiftCluster {
	return c.Snapshot().All()
}
