package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeEKSCluster is the resource type of EKS clusters.
const TypeEKSCluster = "eks_cluster"

// ClusterRecord is one DescribeCluster response.
type ClusterRecord struct {
	Region  string
	Cluster *ekstypes.Cluster
}

// Cluster is an EKS cluster, identified by name.
type Cluster struct {
	resource.Identity

	Version           string   `json:"version"`
	Status            string   `json:"status"`
	PublicAccessCIDRs []string `json:"public_access_cidrs"`
	EnabledLogTypes   []string `json:"enabled_log_types"`

	EndpointPublic bool `json:"endpoint_public"`
	// EndpointOpen is true when the public endpoint admits 0.0.0.0/0 or ::/0.
	EndpointOpen     bool `json:"endpoint_open"`
	SecretsEncrypted bool `json:"secrets_encrypted"`
	AuditLogging     bool `json:"audit_logging"`
}

// ClusterKind fetches and normalizes EKS clusters.
type ClusterKind struct{}

// Name returns the resource type.
func (ClusterKind) Name() string { return TypeEKSCluster }

// Fetch lists cluster names, or uses ids, and describes each.
func (ClusterKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[ClusterRecord, error] {
	return func(yield func(ClusterRecord, error) bool) {
		client := eksClient(acct)

		names := ids
		if len(names) == 0 {
			var err error
			names, err = listClusters(ctx, acct, client)
			if err != nil {
				yield(ClusterRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeEKSCluster, names,
			func(ctx context.Context, name string) (ClusterRecord, bool, error) {
				out, err := account.Call(ctx, acct, ServiceEKS, "DescribeCluster", func(ctx context.Context) (*eks.DescribeClusterOutput, error) {
					return client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
				})
				if err != nil {
					var notFound *ekstypes.ResourceNotFoundException
					if errors.As(err, &notFound) {
						return ClusterRecord{}, false, nil
					}
					return ClusterRecord{}, false, err
				}
				return ClusterRecord{Region: acct.Region(), Cluster: out.Cluster}, true, nil
			},
			yield,
		)
	}
}

func listClusters(ctx context.Context, acct *account.Account, client EKSAPI) ([]string, error) {
	var names []string
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceEKS, "ListClusters", func(ctx context.Context) (*eks.ListClustersOutput, error) {
			return client.ListClusters(ctx, &eks.ListClustersInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, err
		}
		names = append(names, out.Clusters...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return names, nil
}

// Normalize converts a cluster record.
func (ClusterKind) Normalize(raw ClusterRecord) (Cluster, error) {
	cluster := raw.Cluster
	if cluster == nil || aws.ToString(cluster.Name) == "" {
		return Cluster{}, fmt.Errorf("cluster without name: %w", checker.ErrMalformedRecord)
	}

	name := aws.ToString(cluster.Name)
	out := Cluster{
		Identity: resource.NewIdentity(name, TypeEKSCluster, name, aws.ToString(cluster.Arn), raw.Region),
		Version:  aws.ToString(cluster.Version),
		Status:   string(cluster.Status),
	}
	maps.Copy(out.Tags, cluster.Tags)

	if vpc := cluster.ResourcesVpcConfig; vpc != nil {
		out.EndpointPublic = vpc.EndpointPublicAccess
		out.PublicAccessCIDRs = vpc.PublicAccessCidrs
		out.EndpointOpen = vpc.EndpointPublicAccess && lo.ContainsBy(vpc.PublicAccessCidrs, func(cidr string) bool {
			return lo.Contains(worldCIDRs, cidr)
		})
	}

	out.SecretsEncrypted = lo.SomeBy(cluster.EncryptionConfig, func(ec ekstypes.EncryptionConfig) bool {
		return lo.Contains(ec.Resources, "secrets")
	})

	if cluster.Logging != nil {
		for _, setup := range cluster.Logging.ClusterLogging {
			if !aws.ToBool(setup.Enabled) {
				continue
			}
			for _, t := range setup.Types {
				out.EnabledLogTypes = append(out.EnabledLogTypes, string(t))
			}
		}
	}
	out.AuditLogging = lo.Contains(out.EnabledLogTypes, string(ekstypes.LogTypeAudit))

	return out, nil
}

// EKSChecker checks EKS clusters.
type EKSChecker struct {
	*checker.Checker[ClusterRecord, Cluster]
}

// NewEKSChecker creates an EKSChecker borrowing acct.
func NewEKSChecker(acct *account.Account) *EKSChecker {
	return &EKSChecker{checker.New[ClusterRecord, Cluster](acct, ClusterKind{})}
}

// Clusters returns the clusters of the latest successful check.
func (c *EKSChecker) Clusters() []Cluster {
	return c.Snapshot().All()
}
