package aws

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeRDSInstance is the resource type of RDS DB instances.
const TypeRDSInstance = "rds_instance"

const rdsFilterBatch = 100

// DBInstanceRecord is one instance from DescribeDBInstances.
type DBInstanceRecord struct {
	Region   string
	Instance rdstypes.DBInstance
}

// DBInstance is an RDS DB instance, identified by its DB instance identifier.
type DBInstance struct {
	resource.Identity

	Engine              string `json:"engine"`
	EngineVersion       string `json:"engine_version"`
	InstanceClass       string `json:"instance_class"`
	Status              string `json:"status"`
	MultiAZ             bool   `json:"multi_az"`
	DeletionProtection  bool   `json:"deletion_protection"`
	BackupRetentionDays int32  `json:"backup_retention_days"`
	KMSKeyID            string `json:"kms_key_id"`

	PubliclyAccessible bool `json:"publicly_accessible"`
	StorageEncrypted   bool `json:"storage_encrypted"`
	// BackupsDisabled is true when the retention period is zero.
	BackupsDisabled bool `json:"backups_disabled"`
}

// DBInstanceKind fetches and normalizes RDS DB instances.
type DBInstanceKind struct{}

// Name returns the resource type.
func (DBInstanceKind) Name() string { return TypeRDSInstance }

// Fetch pages through DescribeDBInstances, restricted to ids by a
// db-instance-id filter when given.
func (DBInstanceKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[DBInstanceRecord, error] {
	return func(yield func(DBInstanceRecord, error) bool) {
		client := rdsClient(acct)

		for _, filters := range rdsFilterBatches(ids) {
			var marker *string
			for {
				out, err := account.Call(ctx, acct, ServiceRDS, "DescribeDBInstances", func(ctx context.Context) (*rds.DescribeDBInstancesOutput, error) {
					return client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
						Filters: filters,
						Marker:  marker,
					})
				})
				if err != nil {
					yield(DBInstanceRecord{}, err)
					return
				}

				for _, instance := range out.DBInstances {
					if !yield(DBInstanceRecord{Region: acct.Region(), Instance: instance}, nil) {
						return
					}
				}

				if out.Marker == nil {
					break
				}
				marker = out.Marker
			}
		}
	}
}

func rdsFilterBatches(ids []string) [][]rdstypes.Filter {
	if len(ids) == 0 {
		return [][]rdstypes.Filter{nil}
	}
	return lo.Map(lo.Chunk(ids, rdsFilterBatch), func(chunk []string, _ int) []rdstypes.Filter {
		return []rdstypes.Filter{{Name: aws.String("db-instance-id"), Values: chunk}}
	})
}

// Normalize converts a DB instance record.
func (DBInstanceKind) Normalize(raw DBInstanceRecord) (DBInstance, error) {
	instance := raw.Instance
	id := aws.ToString(instance.DBInstanceIdentifier)
	if id == "" {
		return DBInstance{}, fmt.Errorf("db instance without identifier: %w", checker.ErrMalformedRecord)
	}

	out := DBInstance{
		Identity:            resource.NewIdentity(id, TypeRDSInstance, id, aws.ToString(instance.DBInstanceArn), raw.Region),
		Engine:              aws.ToString(instance.Engine),
		EngineVersion:       aws.ToString(instance.EngineVersion),
		InstanceClass:       aws.ToString(instance.DBInstanceClass),
		Status:              aws.ToString(instance.DBInstanceStatus),
		MultiAZ:             aws.ToBool(instance.MultiAZ),
		DeletionProtection:  aws.ToBool(instance.DeletionProtection),
		BackupRetentionDays: aws.ToInt32(instance.BackupRetentionPeriod),
		KMSKeyID:            aws.ToString(instance.KmsKeyId),
		PubliclyAccessible:  aws.ToBool(instance.PubliclyAccessible),
		StorageEncrypted:    aws.ToBool(instance.StorageEncrypted),
	}
	out.BackupsDisabled = out.BackupRetentionDays == 0
	for _, tag := range instance.TagList {
		out.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	return out, nil
}

// RDSChecker checks RDS DB instances.
type RDSChecker struct {
	*checker.Checker[DBInstanceRecord, DBInstance]
}

// NewRDSChecker creates an RDSChecker borrowing acct.
func NewRDSChecker(acct *account.Account) *RDSChecker {
	return &RDSChecker{checker.New[DBInstanceRecord, DBInstance](acct, DBInstanceKind{})}
}

// DBInstances returns the DB instances of the latest successful check.
func (c *RDSChecker) DBInstances() []DBInstance {
	return c.Snapshot().All()
}
