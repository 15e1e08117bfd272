package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeS3Bucket is the resource type of S3 buckets.
const TypeS3Bucket = "s3_bucket"

// Error codes S3 returns when an optional bucket configuration is absent.
const (
	codeNoSuchBucket        = "NoSuchBucket"
	codeNoEncryptionConfig  = "ServerSideEncryptionConfigurationNotFoundError"
	codeNoBucketPolicy      = "NoSuchBucketPolicy"
	codeNoPublicAccessBlock = "NoSuchPublicAccessBlockConfiguration"
)

// Codes S3 answers a HEAD with when the bucket lives in another region.
var codesOtherRegion = []string{"MovedPermanently", "PermanentRedirect"}

const s3ListBucketsPageSize = 1000

// BucketRecord is a bucket plus the configuration documents read for it.
// Absent configurations are nil.
type BucketRecord struct {
	Region            string
	Name              string
	CreationDate      *time.Time
	Encryption        *s3types.ServerSideEncryptionConfiguration
	PolicyStatus      *s3types.PolicyStatus
	PublicAccessBlock *s3types.PublicAccessBlockConfiguration
}

// Bucket is an S3 bucket in the account's region, identified by name.
type Bucket struct {
	resource.Identity

	CreatedAt           time.Time `json:"created_at"`
	EncryptionAlgorithm string    `json:"encryption_algorithm"`
	KMSKeyID            string    `json:"kms_key_id"`

	Encrypted bool `json:"encrypted"`
	// PublicPolicy is true when S3 evaluates the bucket policy as public.
	PublicPolicy bool `json:"public_policy"`
	// PublicAccessBlocked is true only when all four block settings are on.
	PublicAccessBlocked bool `json:"public_access_blocked"`
}

// BucketKind fetches and normalizes S3 buckets.
type BucketKind struct{}

// Name returns the resource type.
func (BucketKind) Name() string { return TypeS3Bucket }

// Fetch lists the buckets of the account's region, or heads each of ids,
// and reads the security configuration of every bucket found.
func (BucketKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[BucketRecord, error] {
	return func(yield func(BucketRecord, error) bool) {
		client := s3Client(acct)

		var buckets []BucketRecord
		if len(ids) == 0 {
			var err error
			buckets, err = listBuckets(ctx, acct, client)
			if err != nil {
				yield(BucketRecord{}, err)
				return
			}
		} else {
			for _, name := range ids {
				rec, found, err := headBucket(ctx, acct, client, name)
				if err != nil {
					yield(BucketRecord{}, err)
					return
				}
				if found {
					buckets = append(buckets, rec)
				}
			}
		}

		for _, rec := range buckets {
			full, found, err := readBucketConfig(ctx, acct, client, rec)
			if err != nil {
				yield(BucketRecord{}, err)
				return
			}
			if !found {
				continue
			}
			if !yield(full, nil) {
				return
			}
		}
	}
}

func listBuckets(ctx context.Context, acct *account.Account, client S3API) ([]BucketRecord, error) {
	var buckets []BucketRecord
	var token *string

	for {
		out, err := account.Call(ctx, acct, ServiceS3, "ListBuckets", func(ctx context.Context) (*s3.ListBucketsOutput, error) {
			return client.ListBuckets(ctx, &s3.ListBucketsInput{
				BucketRegion:      aws.String(acct.Region()),
				ContinuationToken: token,
				MaxBuckets:        aws.Int32(s3ListBucketsPageSize),
			})
		})
		if err != nil {
			return nil, err
		}

		for _, b := range out.Buckets {
			buckets = append(buckets, BucketRecord{
				Region:       acct.Region(),
				Name:         aws.ToString(b.Name),
				CreationDate: b.CreationDate,
			})
		}

		if out.ContinuationToken == nil {
			break
		}
		token = out.ContinuationToken
	}

	return buckets, nil
}

// headBucket resolves a caller-supplied bucket name. Buckets that do not
// exist or live in another region are not found.
func headBucket(ctx context.Context, acct *account.Account, client S3API, name string) (BucketRecord, bool, error) {
	out, err := account.Call(ctx, acct, ServiceS3, "HeadBucket", func(ctx context.Context) (*s3.HeadBucketOutput, error) {
		return client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) || account.HasErrorCode(err, codeNoSuchBucket) {
			return BucketRecord{}, false, nil
		}
		if isRedirect(err) {
			log.Debug().
				Str("bucket", name).
				Str("region", acct.Region()).
				Msg("bucket outside region, skipping")
			return BucketRecord{}, false, nil
		}
		return BucketRecord{}, false, err
	}
	if region := aws.ToString(out.BucketRegion); region != "" && region != acct.Region() {
		return BucketRecord{}, false, nil
	}
	return BucketRecord{Region: acct.Region(), Name: name}, true, nil
}

// isRedirect reports whether S3 redirected the request to the bucket's
// home region.
func isRedirect(err error) bool {
	if account.HasErrorCode(err, codesOtherRegion...) {
		return true
	}
	var resp interface{ HTTPStatusCode() int }
	return errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusMovedPermanently
}

func readBucketConfig(ctx context.Context, acct *account.Account, client S3API, rec BucketRecord) (BucketRecord, bool, error) {
	bucket := aws.String(rec.Name)

	enc, err := optionalCall(ctx, acct, "GetBucketEncryption", func(ctx context.Context) (*s3.GetBucketEncryptionOutput, error) {
		return client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: bucket})
	}, codeNoEncryptionConfig)
	if err != nil {
		return bucketGone(err)
	}
	if enc != nil {
		rec.Encryption = enc.ServerSideEncryptionConfiguration
	}

	status, err := optionalCall(ctx, acct, "GetBucketPolicyStatus", func(ctx context.Context) (*s3.GetBucketPolicyStatusOutput, error) {
		return client.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{Bucket: bucket})
	}, codeNoBucketPolicy)
	if err != nil {
		return bucketGone(err)
	}
	if status != nil {
		rec.PolicyStatus = status.PolicyStatus
	}

	pab, err := optionalCall(ctx, acct, "GetPublicAccessBlock", func(ctx context.Context) (*s3.GetPublicAccessBlockOutput, error) {
		return client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: bucket})
	}, codeNoPublicAccessBlock)
	if err != nil {
		return bucketGone(err)
	}
	if pab != nil {
		rec.PublicAccessBlock = pab.PublicAccessBlockConfiguration
	}

	return rec, true, nil
}

// bucketGone turns a NoSuchBucket failure into not-found.
func bucketGone(err error) (BucketRecord, bool, error) {
	if account.HasErrorCode(err, codeNoSuchBucket) {
		return BucketRecord{}, false, nil
	}
	return BucketRecord{}, false, err
}

// optionalCall runs an S3 configuration read, returning nil when the error
// code says the configuration is simply not set.
func optionalCall[T any](ctx context.Context, acct *account.Account, operation string, fn func(context.Context) (*T, error), absent string) (*T, error) {
	out, err := account.Call(ctx, acct, ServiceS3, operation, fn)
	if err != nil {
		if account.HasErrorCode(err, absent) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// Normalize converts a bucket record.
func (BucketKind) Normalize(raw BucketRecord) (Bucket, error) {
	if raw.Name == "" {
		return Bucket{}, fmt.Errorf("bucket without name: %w", checker.ErrMalformedRecord)
	}

	out := Bucket{
		Identity:  resource.NewIdentity(raw.Name, TypeS3Bucket, raw.Name, "arn:aws:s3:::"+raw.Name, raw.Region),
		CreatedAt: aws.ToTime(raw.CreationDate),
	}

	if raw.Encryption != nil {
		for _, rule := range raw.Encryption.Rules {
			def := rule.ApplyServerSideEncryptionByDefault
			if def == nil || def.SSEAlgorithm == "" {
				continue
			}
			out.Encrypted = true
			out.EncryptionAlgorithm = string(def.SSEAlgorithm)
			out.KMSKeyID = aws.ToString(def.KMSMasterKeyID)
			break
		}
	}

	if raw.PolicyStatus != nil {
		out.PublicPolicy = aws.ToBool(raw.PolicyStatus.IsPublic)
	}

	if pab := raw.PublicAccessBlock; pab != nil {
		out.PublicAccessBlocked = aws.ToBool(pab.BlockPublicAcls) &&
			aws.ToBool(pab.IgnorePublicAcls) &&
			aws.ToBool(pab.BlockPublicPolicy) &&
			aws.ToBool(pab.RestrictPublicBuckets)
	}

	return out, nil
}

// S3Checker checks S3 buckets.
type S3Checker struct {
	*checker.Checker[BucketRecord, Bucket]
}

// NewS3Checker creates an S3Checker borrowing acct.
func NewS3Checker(acct *account.Account) *S3Checker {
	return &S3Checker{checker.New[BucketRecord, Bucket](acct, BucketKind{})}
}

// Buckets returns the buckets of the latest successful check.
func (c *S3Checker) Buckets() []Bucket {
	return c.Snapshot().All()
}
