package aws

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/internal/rule"
)

func customerKey(id string) *kmstypes.KeyMetadata {
	return &kmstypes.KeyMetadata{
		KeyId:       aws.String(id),
		Arn:         aws.String("arn:aws:kms:us-east-1:123456789012:key/" + id),
		Description: aws.String(id + " key"),
		KeyManager:  kmstypes.KeyManagerTypeCustomer,
		KeySpec:     kmstypes.KeySpecSymmetricDefault,
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		KeyState:    kmstypes.KeyStateEnabled,
	}
}

func TestKeyKind_Normalize(t *testing.T) {
	k, err := KeyKind{}.Normalize(KeyRecord{
		Region:   testRegion,
		Metadata: customerKey("k1"),
		Rotation: &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: true},
		Tags:     []kmstypes.Tag{{TagKey: aws.String("team"), TagValue: aws.String("payments")}},
	})
	require.NoError(t, err)

	assert.Equal(t, "k1", k.ID)
	assert.Equal(t, "k1 key", k.Name)
	assert.Equal(t, TypeKMSKey, k.Type)
	assert.Equal(t, testRegion, k.Region)
	assert.Equal(t, "payments", k.Tags["team"])
	assert.True(t, k.CustomerManaged)
	assert.True(t, k.RotationApplies)
	assert.True(t, k.RotationEnabled)
	assert.False(t, k.PendingDeletion)
}

func TestRotationApplies(t *testing.T) {
	tests := []struct {
		name string
		edit func(md *kmstypes.KeyMetadata)
		want bool
	}{
		{"customer symmetric", func(*kmstypes.KeyMetadata) {}, true},
		{"aws managed", func(md *kmstypes.KeyMetadata) { md.KeyManager = kmstypes.KeyManagerTypeAws }, false},
		{"asymmetric", func(md *kmstypes.KeyMetadata) { md.KeySpec = kmstypes.KeySpecRsa2048 }, false},
		{"pending deletion", func(md *kmstypes.KeyMetadata) { md.KeyState = kmstypes.KeyStatePendingDeletion }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := customerKey("k")
			tt.edit(md)
			assert.Equal(t, tt.want, rotationApplies(md))
		})
	}
	assert.False(t, rotationApplies(nil))
}

func TestKeyKind_NormalizeMalformed(t *testing.T) {
	_, err := KeyKind{}.Normalize(KeyRecord{Metadata: &kmstypes.KeyMetadata{}})
	assert.ErrorIs(t, err, checker.ErrMalformedRecord)
}

func TestKMSChecker(t *testing.T) {
	awsManaged := customerKey("managed")
	awsManaged.KeyManager = kmstypes.KeyManagerTypeAws
	keys := map[string]*kmstypes.KeyMetadata{
		"rotating": customerKey("rotating"),
		"stale":    customerKey("stale"),
		"managed":  awsManaged,
	}

	var rotationCalls []string
	client := &mockKMSClient{
		ListKeysFunc: func(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error) {
			if params.Marker == nil {
				return &kms.ListKeysOutput{
					Keys:       []kmstypes.KeyListEntry{{KeyId: aws.String("rotating")}, {KeyId: aws.String("stale")}},
					Truncated:  true,
					NextMarker: aws.String("page2"),
				}, nil
			}
			return &kms.ListKeysOutput{Keys: []kmstypes.KeyListEntry{{KeyId: aws.String("managed")}}}, nil
		},
		DescribeKeyFunc: func(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
			md, ok := keys[aws.ToString(params.KeyId)]
			if !ok {
				return nil, &kmstypes.NotFoundException{Message: aws.String("Invalid keyId")}
			}
			return &kms.DescribeKeyOutput{KeyMetadata: md}, nil
		},
		GetKeyRotationStatusFunc: func(ctx context.Context, params *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error) {
			id := aws.ToString(params.KeyId)
			rotationCalls = append(rotationCalls, id)
			return &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: id == "rotating"}, nil
		},
	}

	c := NewKMSChecker(newTestAccount(ServiceKMS, KMSAPI(client)))
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, []string{"managed", "rotating", "stale"}, c.Snapshot().IDs())
	assert.ElementsMatch(t, []string{"rotating", "stale"}, rotationCalls)

	findings := rule.Evaluate(context.Background(), c.Snapshot(), KMSRules()...)
	assert.Equal(t, map[string]int{"kms-rotation": 1}, rule.Failures(findings))
	for _, f := range findings {
		if !f.Passed {
			assert.Equal(t, "stale", f.ResourceID)
		}
	}

	require.NoError(t, c.Check(context.Background(), "rotating", "missing"))
	keysNow := c.Keys()
	require.Len(t, keysNow, 1)
	assert.Equal(t, "rotating", keysNow[0].ID)
}
