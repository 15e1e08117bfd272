package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeKMSKey is the resource type of KMS keys.
const TypeKMSKey = "kms_key"

// KeyRecord is one DescribeKey response with the rotation status and tags
// read for customer managed keys.
type KeyRecord struct {
	Region   string
	Metadata *kmstypes.KeyMetadata
	// Rotation is nil when rotation does not apply to the key.
	Rotation *kms.GetKeyRotationStatusOutput
	Tags     []kmstypes.Tag
}

// Key is a KMS key, identified by key id.
type Key struct {
	resource.Identity

	Manager string `json:"manager"`
	State   string `json:"state"`
	Spec    string `json:"spec"`
	Usage   string `json:"usage"`

	CustomerManaged bool `json:"customer_managed"`
	// RotationApplies is true for enabled customer managed symmetric keys.
	RotationApplies bool `json:"rotation_applies"`
	RotationEnabled bool `json:"rotation_enabled"`
	PendingDeletion bool `json:"pending_deletion"`
}

// KeyKind fetches and normalizes KMS keys.
type KeyKind struct{}

// Name returns the resource type.
func (KeyKind) Name() string { return TypeKMSKey }

// Fetch lists key ids, or uses ids, and describes each key.
func (KeyKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[KeyRecord, error] {
	return func(yield func(KeyRecord, error) bool) {
		client := kmsClient(acct)

		keys := ids
		if len(keys) == 0 {
			var err error
			keys, err = listKeys(ctx, acct, client)
			if err != nil {
				yield(KeyRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeKMSKey, keys,
			func(ctx context.Context, id string) (KeyRecord, bool, error) {
				return describeKey(ctx, acct, client, id)
			},
			yield,
		)
	}
}

func listKeys(ctx context.Context, acct *account.Account, client KMSAPI) ([]string, error) {
	var keys []string
	var marker *string

	for {
		out, err := account.Call(ctx, acct, ServiceKMS, "ListKeys", func(ctx context.Context) (*kms.ListKeysOutput, error) {
			return client.ListKeys(ctx, &kms.ListKeysInput{Marker: marker})
		})
		if err != nil {
			return nil, err
		}
		for _, k := range out.Keys {
			keys = append(keys, aws.ToString(k.KeyId))
		}

		if !out.Truncated || out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}

	return keys, nil
}

func describeKey(ctx context.Context, acct *account.Account, client KMSAPI, id string) (KeyRecord, bool, error) {
	out, err := account.Call(ctx, acct, ServiceKMS, "DescribeKey", func(ctx context.Context) (*kms.DescribeKeyOutput, error) {
		return client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(id)})
	})
	if err != nil {
		var notFound *kmstypes.NotFoundException
		if errors.As(err, &notFound) {
			return KeyRecord{}, false, nil
		}
		return KeyRecord{}, false, err
	}

	rec := KeyRecord{Region: acct.Region(), Metadata: out.KeyMetadata}
	if !rotationApplies(out.KeyMetadata) {
		return rec, true, nil
	}

	rec.Rotation, err = account.Call(ctx, acct, ServiceKMS, "GetKeyRotationStatus", func(ctx context.Context) (*kms.GetKeyRotationStatusOutput, error) {
		return client.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(id)})
	})
	if err != nil {
		return KeyRecord{}, false, err
	}

	var marker *string
	for {
		tags, err := account.Call(ctx, acct, ServiceKMS, "ListResourceTags", func(ctx context.Context) (*kms.ListResourceTagsOutput, error) {
			return client.ListResourceTags(ctx, &kms.ListResourceTagsInput{KeyId: aws.String(id), Marker: marker})
		})
		if err != nil {
			return KeyRecord{}, false, err
		}
		rec.Tags = append(rec.Tags, tags.Tags...)
		if !tags.Truncated || tags.NextMarker == nil {
			break
		}
		marker = tags.NextMarker
	}

	return rec, true, nil
}

// rotationApplies reports whether automatic rotation can be configured on
// the key. AWS managed keys rotate on their own; asymmetric and HMAC keys
// cannot rotate.
func rotationApplies(md *kmstypes.KeyMetadata) bool {
	return md != nil &&
		md.KeyManager == kmstypes.KeyManagerTypeCustomer &&
		md.KeySpec == kmstypes.KeySpecSymmetricDefault &&
		md.KeyState == kmstypes.KeyStateEnabled
}

// Normalize converts a key record.
func (KeyKind) Normalize(raw KeyRecord) (Key, error) {
	md := raw.Metadata
	if md == nil || aws.ToString(md.KeyId) == "" {
		return Key{}, fmt.Errorf("key without id: %w", checker.ErrMalformedRecord)
	}

	id := aws.ToString(md.KeyId)
	out := Key{
		Identity:        resource.NewIdentity(id, TypeKMSKey, aws.ToString(md.Description), aws.ToString(md.Arn), raw.Region),
		Manager:         string(md.KeyManager),
		State:           string(md.KeyState),
		Spec:            string(md.KeySpec),
		Usage:           string(md.KeyUsage),
		CustomerManaged: md.KeyManager == kmstypes.KeyManagerTypeCustomer,
		RotationApplies: rotationApplies(md),
		PendingDeletion: md.KeyState == kmstypes.KeyStatePendingDeletion,
	}
	if raw.Rotation != nil {
		out.RotationEnabled = raw.Rotation.KeyRotationEnabled
	}
	for _, t := range raw.Tags {
		out.Tags[aws.ToString(t.TagKey)] = aws.ToString(t.TagValue)
	}

	return out, nil
}

// KMSChecker checks KMS keys.
type KMSChecker struct {
	*checker.Checker[KeyRecord, Key]
}

// NewKMSChecker creates a KMSChecker borrowing acct.
func NewKMSChecker(acct *account.Account) *KMSChecker {
	return &KMSChecker{checker.New[KeyRecord, Key](acct, KeyKind{})}
}

// Keys returns the keys of the latest successful check.
func (c *KMSChecker) Keys() []Key {
	return c.Snapshot().All()
}
