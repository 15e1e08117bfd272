package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeECRRepository is the resource type of ECR repositories.
const TypeECRRepository = "ecr_repository"

// RepositoryRecord is one repository from DescribeRepositories plus its tags.
type RepositoryRecord struct {
	Region     string
	Repository ecrtypes.Repository
	Tags       []ecrtypes.Tag
}

// Repository is an ECR repository, identified by name.
type Repository struct {
	resource.Identity

	URI            string `json:"uri"`
	TagMutability  string `json:"tag_mutability"`
	EncryptionType string `json:"encryption_type"`

	ScanOnPush    bool `json:"scan_on_push"`
	TagsImmutable bool `json:"tags_immutable"`
	KMSEncrypted  bool `json:"kms_encrypted"`
}

// RepositoryKind fetches and normalizes ECR repositories.
type RepositoryKind struct{}

// Name returns the resource type.
func (RepositoryKind) Name() string { return TypeECRRepository }

// Fetch pages through DescribeRepositories, or describes each of ids, and
// reads the tags of every repository.
func (RepositoryKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[RepositoryRecord, error] {
	return func(yield func(RepositoryRecord, error) bool) {
		client := ecrClient(acct)

		var repos []ecrtypes.Repository
		var err error
		if len(ids) == 0 {
			repos, err = listRepositories(ctx, acct, client)
		} else {
			repos, err = describeRepositories(ctx, acct, client, ids)
		}
		if err != nil {
			yield(RepositoryRecord{}, err)
			return
		}

		for _, repo := range repos {
			tags, err := account.Call(ctx, acct, ServiceECR, "ListTagsForResource", func(ctx context.Context) (*ecr.ListTagsForResourceOutput, error) {
				return client.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{ResourceArn: repo.RepositoryArn})
			})
			if err != nil {
				if isRepositoryMissing(err) {
					continue
				}
				yield(RepositoryRecord{}, err)
				return
			}
			if !yield(RepositoryRecord{Region: acct.Region(), Repository: repo, Tags: tags.Tags}, nil) {
				return
			}
		}
	}
}

func listRepositories(ctx context.Context, acct *account.Account, client ECRAPI) ([]ecrtypes.Repository, error) {
	var repos []ecrtypes.Repository
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceECR, "DescribeRepositories", func(ctx context.Context) (*ecr.DescribeRepositoriesOutput, error) {
			return client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, err
		}
		repos = append(repos, out.Repositories...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return repos, nil
}

// describeRepositories describes ids one at a time: a single unknown name
// fails a batched call.
func describeRepositories(ctx context.Context, acct *account.Account, client ECRAPI, ids []string) ([]ecrtypes.Repository, error) {
	var repos []ecrtypes.Repository
	for _, name := range ids {
		out, err := account.Call(ctx, acct, ServiceECR, "DescribeRepositories", func(ctx context.Context) (*ecr.DescribeRepositoriesOutput, error) {
			return client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
		})
		if err != nil {
			if isRepositoryMissing(err) {
				continue
			}
			return nil, err
		}
		repos = append(repos, out.Repositories...)
	}
	return repos, nil
}

func isRepositoryMissing(err error) bool {
	var notFound *ecrtypes.RepositoryNotFoundException
	return errors.As(err, &notFound)
}

// Normalize converts a repository record.
func (RepositoryKind) Normalize(raw RepositoryRecord) (Repository, error) {
	repo := raw.Repository
	name := aws.ToString(repo.RepositoryName)
	if name == "" {
		return Repository{}, fmt.Errorf("repository without name: %w", checker.ErrMalformedRecord)
	}

	out := Repository{
		Identity:      resource.NewIdentity(name, TypeECRRepository, name, aws.ToString(repo.RepositoryArn), raw.Region),
		URI:           aws.ToString(repo.RepositoryUri),
		TagMutability: string(repo.ImageTagMutability),
		TagsImmutable: repo.ImageTagMutability == ecrtypes.ImageTagMutabilityImmutable,
	}
	if repo.ImageScanningConfiguration != nil {
		out.ScanOnPush = repo.ImageScanningConfiguration.ScanOnPush
	}
	if enc := repo.EncryptionConfiguration; enc != nil {
		out.EncryptionType = string(enc.EncryptionType)
		out.KMSEncrypted = enc.EncryptionType == ecrtypes.EncryptionTypeKms
	}
	for _, t := range raw.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// ECRChecker checks ECR repositories.
type ECRChecker struct {
	*checker.Checker[RepositoryRecord, Repository]
}

// NewECRChecker creates an ECRChecker borrowing acct.
func NewECRChecker(acct *account.Account) *ECRChecker {
	return &ECRChecker{checker.New[RepositoryRecord, Repository](acct, RepositoryKind{})}
}

// Repositories returns the repositories of the latest successful check.
func (c *ECRChecker) Repositories() []Repository {
	return c.Snapshot().All()
}
