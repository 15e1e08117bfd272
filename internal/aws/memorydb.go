package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	memorydbtypes "github.com/aws/aws-sdk-go-v2/service/memorydb/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeMemoryDBCluster is the resource type of MemoryDB clusters.
const TypeMemoryDBCluster = "memorydb_cluster"

// aclOpenAccess is the built-in ACL that lets any client connect without
// authenticating.
const aclOpenAccess = "open-access"

// MemoryDBRecord is one cluster from DescribeClusters plus its tags.
type MemoryDBRecord struct {
	Region  string
	Cluster memorydbtypes.Cluster
	Tags    []memorydbtypes.Tag
}

// MemoryDBCluster is a MemoryDB cluster, identified by name.
type MemoryDBCluster struct {
	resource.Identity

	Status        string `json:"status"`
	NodeType      string `json:"node_type"`
	EngineVersion string `json:"engine_version"`
	ACLName       string `json:"acl_name"`
	KMSKeyID      string `json:"kms_key_id"`
	Shards        int    `json:"shards"`
	Nodes         int    `json:"nodes"`

	SnapshotRetentionDays int `json:"snapshot_retention_days"`

	TLSEnabled bool `json:"tls_enabled"`
	OpenAccess bool `json:"open_access"`
}

// MemoryDBKind fetches and normalizes MemoryDB clusters.
type MemoryDBKind struct{}

// Name returns the resource type.
func (MemoryDBKind) Name() string { return TypeMemoryDBCluster }

// Fetch pages through DescribeClusters, or describes each of ids, and reads
// the tags of every cluster.
func (MemoryDBKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[MemoryDBRecord, error] {
	return func(yield func(MemoryDBRecord, error) bool) {
		client := memoryDBClient(acct)

		var clusters []memorydbtypes.Cluster
		var err error
		if len(ids) == 0 {
			clusters, err = listMemoryDBClusters(ctx, acct, client)
		} else {
			clusters, err = describeMemoryDBClusters(ctx, acct, client, ids)
		}
		if err != nil {
			yield(MemoryDBRecord{}, err)
			return
		}

		for _, c := range clusters {
			rec := MemoryDBRecord{Region: acct.Region(), Cluster: c}
			if c.ARN != nil {
				tags, err := account.Call(ctx, acct, ServiceMemoryDB, "ListTags", func(ctx context.Context) (*memorydb.ListTagsOutput, error) {
					return client.ListTags(ctx, &memorydb.ListTagsInput{ResourceArn: c.ARN})
				})
				if err != nil {
					if isMemoryDBClusterMissing(err) {
						continue
					}
					yield(MemoryDBRecord{}, err)
					return
				}
				rec.Tags = tags.TagList
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func listMemoryDBClusters(ctx context.Context, acct *account.Account, client MemoryDBAPI) ([]memorydbtypes.Cluster, error) {
	var clusters []memorydbtypes.Cluster
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceMemoryDB, "DescribeClusters", func(ctx context.Context) (*memorydb.DescribeClustersOutput, error) {
			return client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{
				NextToken:        nextToken,
				ShowShardDetails: aws.Bool(true),
			})
		})
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, out.Clusters...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return clusters, nil
}

func describeMemoryDBClusters(ctx context.Context, acct *account.Account, client MemoryDBAPI, ids []string) ([]memorydbtypes.Cluster, error) {
	var clusters []memorydbtypes.Cluster
	for _, name := range ids {
		out, err := account.Call(ctx, acct, ServiceMemoryDB, "DescribeClusters", func(ctx context.Context) (*memorydb.DescribeClustersOutput, error) {
			return client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{
				ClusterName:      aws.String(name),
				ShowShardDetails: aws.Bool(true),
			})
		})
		if err != nil {
			if isMemoryDBClusterMissing(err) {
				continue
			}
			return nil, err
		}
		clusters = append(clusters, out.Clusters...)
	}
	return clusters, nil
}

func isMemoryDBClusterMissing(err error) bool {
	var notFound *memorydbtypes.ClusterNotFoundFault
	return errors.As(err, &notFound)
}

// Normalize converts a cluster record.
func (MemoryDBKind) Normalize(raw MemoryDBRecord) (MemoryDBCluster, error) {
	c := raw.Cluster
	name := aws.ToString(c.Name)
	if name == "" {
		return MemoryDBCluster{}, fmt.Errorf("memorydb cluster without name: %w", checker.ErrMalformedRecord)
	}

	out := MemoryDBCluster{
		Identity:              resource.NewIdentity(name, TypeMemoryDBCluster, name, aws.ToString(c.ARN), raw.Region),
		Status:                aws.ToString(c.Status),
		NodeType:              aws.ToString(c.NodeType),
		EngineVersion:         aws.ToString(c.EngineVersion),
		ACLName:               aws.ToString(c.ACLName),
		KMSKeyID:              aws.ToString(c.KmsKeyId),
		Shards:                int(aws.ToInt32(c.NumberOfShards)),
		SnapshotRetentionDays: int(aws.ToInt32(c.SnapshotRetentionLimit)),
		TLSEnabled:            aws.ToBool(c.TLSEnabled),
	}
	out.OpenAccess = out.ACLName == aclOpenAccess
	for _, shard := range c.Shards {
		out.Nodes += len(shard.Nodes)
	}
	for _, t := range raw.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// MemoryDBChecker checks MemoryDB clusters.
type MemoryDBChecker struct {
	*checker.Checker[MemoryDBRecord, MemoryDBCluster]
}

// NewMemoryDBChecker creates a MemoryDBChecker borrowing acct.
func NewMemoryDBChecker(acct *account.Account) *MemoryDBChecker {
	return &MemoryDBChecker{checker.New[MemoryDBRecord, MemoryDBCluster](acct, MemoryDBKind{})}
}

// Clusters returns the clusters of the latest successful check.
func (c *MemoryDBChecker) Clusters() []MemoryDBCluster {
	return c.Snapshot().All()
}
