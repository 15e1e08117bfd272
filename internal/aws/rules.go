package aws

import (
	"context"
	"errors"
	"fmt"

	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/internal/rule"
	"github.com/yairfalse/posture/internal/scan"
)

// ECSRules are the built-in task definition rules.
func ECSRules() []rule.Rule[TaskDefinition] {
	return []rule.Rule[TaskDefinition]{
		rule.Predicate("ecs-privileged-access", "Task definition containers must not run in privileged mode", rule.SeverityHigh,
			func(td TaskDefinition) bool { return !td.IsPrivileged }),
		rule.Predicate("ecs-logging", "Task definition containers must configure logging", rule.SeverityMedium,
			func(td TaskDefinition) bool { return !td.LoggingDisabled }),
		rule.Predicate("ecs-external-image", "Task definition images should come from a private ECR registry", rule.SeverityLow,
			func(td TaskDefinition) bool { return !td.ExternalImage }),
		rule.Predicate("ecs-host-network", "Task definitions should not use host network mode", rule.SeverityMedium,
			func(td TaskDefinition) bool { return !td.HostNetwork }),
	}
}

// SecurityGroupRules are the built-in security group rules.
func SecurityGroupRules() []rule.Rule[SecurityGroup] {
	return []rule.Rule[SecurityGroup]{
		rule.Predicate("sg-unrestricted-ssh", "Security groups must not allow SSH from anywhere", rule.SeverityHigh,
			func(sg SecurityGroup) bool { return !sg.UnrestrictedSSH }),
		rule.Predicate("sg-unrestricted-rdp", "Security groups must not allow RDP from anywhere", rule.SeverityHigh,
			func(sg SecurityGroup) bool { return !sg.UnrestrictedRDP }),
	}
}

// VolumeRules are the built-in EBS volume rules.
func VolumeRules() []rule.Rule[Volume] {
	return []rule.Rule[Volume]{
		rule.Predicate("ebs-encrypted", "EBS volumes must be encrypted", rule.SeverityMedium,
			func(v Volume) bool { return v.Encrypted }),
	}
}

// RDSRules are the built-in DB instance rules.
func RDSRules() []rule.Rule[DBInstance] {
	return []rule.Rule[DBInstance]{
		rule.Predicate("rds-public", "DB instances must not be publicly accessible", rule.SeverityCritical,
			func(db DBInstance) bool { return !db.PubliclyAccessible }),
		rule.Predicate("rds-encrypted", "DB instance storage must be encrypted", rule.SeverityHigh,
			func(db DBInstance) bool { return db.StorageEncrypted }),
		rule.Predicate("rds-backups", "DB instances must retain automated backups", rule.SeverityMedium,
			func(db DBInstance) bool { return !db.BackupsDisabled }),
	}
}

// S3Rules are the built-in bucket rules.
func S3Rules() []rule.Rule[Bucket] {
	return []rule.Rule[Bucket]{
		rule.Predicate("s3-encrypted", "Buckets must have default encryption", rule.SeverityHigh,
			func(b Bucket) bool { return b.Encrypted }),
		rule.Predicate("s3-public-policy", "Bucket policies must not be public", rule.SeverityCritical,
			func(b Bucket) bool { return !b.PublicPolicy }),
		rule.Predicate("s3-public-access-block", "Buckets must block all public access", rule.SeverityMedium,
			func(b Bucket) bool { return b.PublicAccessBlocked }),
	}
}

// SQSRules are the built-in queue rules.
func SQSRules() []rule.Rule[Queue] {
	return []rule.Rule[Queue]{
		rule.Predicate("sqs-encrypted", "Queues must be encrypted at rest", rule.SeverityMedium,
			func(q Queue) bool { return q.Encrypted }),
		rule.Predicate("sqs-public-policy", "Queue policies must not allow any principal", rule.SeverityCritical,
			func(q Queue) bool { return !q.PublicPolicy }),
	}
}

// EKSRules are the built-in cluster rules.
func EKSRules() []rule.Rule[Cluster] {
	return []rule.Rule[Cluster]{
		rule.Predicate("eks-public-endpoint", "Cluster endpoints must not be open to the internet", rule.SeverityHigh,
			func(c Cluster) bool { return !c.EndpointOpen }),
		rule.Predicate("eks-secrets-encrypted", "Cluster secrets must be envelope encrypted", rule.SeverityHigh,
			func(c Cluster) bool { return c.SecretsEncrypted }),
		rule.Predicate("eks-audit-logging", "Clusters must ship audit logs", rule.SeverityMedium,
			func(c Cluster) bool { return c.AuditLogging }),
	}
}

// KMSRules are the built-in key rules.
func KMSRules() []rule.Rule[Key] {
	return []rule.Rule[Key]{
		rule.Predicate("kms-rotation", "Customer managed keys must rotate automatically", rule.SeverityMedium,
			func(k Key) bool { return !k.RotationApplies || k.RotationEnabled }),
	}
}

// CloudTrailRules are the built-in trail rules.
func CloudTrailRules() []rule.Rule[Trail] {
	return []rule.Rule[Trail]{
		rule.Predicate("cloudtrail-multi-region", "Trails must record every region", rule.SeverityHigh,
			func(t Trail) bool { return t.MultiRegion }),
		rule.Predicate("cloudtrail-logging", "Trails must be logging", rule.SeverityHigh,
			func(t Trail) bool { return t.Logging }),
		rule.Predicate("cloudtrail-log-validation", "Trails must validate log files", rule.SeverityMedium,
			func(t Trail) bool { return t.LogValidation }),
	}
}

// LambdaRules are the built-in function rules.
func LambdaRules() []rule.Rule[Function] {
	return []rule.Rule[Function]{
		rule.Predicate("lambda-public-url", "Function URLs must require IAM auth", rule.SeverityCritical,
			func(f Function) bool { return !f.PublicURL }),
		rule.Predicate("lambda-deprecated-runtime", "Functions must not use deprecated runtimes", rule.SeverityMedium,
			func(f Function) bool { return !f.DeprecatedRuntime }),
	}
}

// ECRRules are the built-in repository rules.
func ECRRules() []rule.Rule[Repository] {
	return []rule.Rule[Repository]{
		rule.Predicate("ecr-scan-on-push", "Repositories must scan images on push", rule.SeverityMedium,
			func(r Repository) bool { return r.ScanOnPush }),
		rule.Predicate("ecr-immutable-tags", "Repositories should have immutable tags", rule.SeverityLow,
			func(r Repository) bool { return r.TagsImmutable }),
	}
}

// DynamoDBRules are the built-in table rules.
func DynamoDBRules() []rule.Rule[Table] {
	return []rule.Rule[Table]{
		rule.Predicate("dynamodb-pitr", "Tables must enable point-in-time recovery", rule.SeverityMedium,
			func(t Table) bool { return t.PointInTimeRecovery }),
		rule.Predicate("dynamodb-deletion-protection", "Tables should enable deletion protection", rule.SeverityLow,
			func(t Table) bool { return t.DeletionProtection }),
	}
}

// IAMRules are the built-in user rules.
func IAMRules() []rule.Rule[User] {
	return []rule.Rule[User]{
		rule.Predicate("iam-console-mfa", "Users with console access must have MFA", rule.SeverityHigh,
			func(u User) bool { return !u.ConsoleAccess || u.MFAEnabled }),
		rule.Predicate("iam-single-access-key", "Users should have at most one active access key", rule.SeverityLow,
			func(u User) bool { return u.ActiveKeys <= 1 }),
	}
}

// AutoScalingRules are the built-in Auto Scaling group rules.
func AutoScalingRules() []rule.Rule[AutoScalingGroup] {
	return []rule.Rule[AutoScalingGroup]{
		rule.Predicate("asg-imdsv2", "Launch configurations must require IMDSv2", rule.SeverityHigh,
			func(g AutoScalingGroup) bool { return !g.MetadataV1Allowed }),
		rule.Predicate("asg-public-ip", "Launch configurations should not assign public IPs", rule.SeverityMedium,
			func(g AutoScalingGroup) bool { return !g.PublicIP }),
		rule.Predicate("asg-multi-az", "Groups should span more than one availability zone", rule.SeverityMedium,
			func(g AutoScalingGroup) bool { return g.MultiAZ }),
		rule.Predicate("asg-elb-health-check", "Groups behind a load balancer should use ELB health checks", rule.SeverityLow,
			func(g AutoScalingGroup) bool { return !g.AttachedToLoadBalancer || g.ELBHealthCheck }),
		rule.Predicate("asg-launch-template", "Groups should launch from templates, not launch configurations", rule.SeverityLow,
			func(g AutoScalingGroup) bool { return g.UsesLaunchTemplate }),
	}
}

// LogGroupRules are the built-in log group rules.
func LogGroupRules() []rule.Rule[LogGroup] {
	return []rule.Rule[LogGroup]{
		rule.Predicate("logs-encrypted", "Log groups should be encrypted with a KMS key", rule.SeverityLow,
			func(g LogGroup) bool { return g.Encrypted }),
		rule.Predicate("logs-retention", "Log groups must set a retention period", rule.SeverityLow,
			func(g LogGroup) bool { return g.RetentionSet }),
	}
}

// LoadBalancerRules are the built-in load balancer rules.
func LoadBalancerRules() []rule.Rule[LoadBalancer] {
	return []rule.Rule[LoadBalancer]{
		rule.Predicate("elb-plaintext-listener", "Internet-facing load balancers must not serve plain HTTP", rule.SeverityHigh,
			func(lb LoadBalancer) bool { return !lb.InternetFacing || !lb.PlaintextListener }),
		rule.Predicate("elb-access-logs", "Load balancers must write access logs", rule.SeverityMedium,
			func(lb LoadBalancer) bool { return lb.AccessLogs }),
		rule.Predicate("elb-drop-invalid-headers", "Application load balancers should drop invalid headers", rule.SeverityLow,
			func(lb LoadBalancer) bool {
				return lb.LBType != string(elbv2types.LoadBalancerTypeEnumApplication) || lb.DropInvalidHeaders
			}),
		rule.Predicate("elb-deletion-protection", "Load balancers should enable deletion protection", rule.SeverityLow,
			func(lb LoadBalancer) bool { return lb.DeletionProtection }),
	}
}

// MemoryDBRules are the built-in MemoryDB cluster rules.
func MemoryDBRules() []rule.Rule[MemoryDBCluster] {
	return []rule.Rule[MemoryDBCluster]{
		rule.Predicate("memorydb-tls", "Clusters must encrypt traffic in transit", rule.SeverityHigh,
			func(c MemoryDBCluster) bool { return c.TLSEnabled }),
		rule.Predicate("memorydb-open-access", "Clusters must require authentication", rule.SeverityCritical,
			func(c MemoryDBCluster) bool { return !c.OpenAccess }),
		rule.Predicate("memorydb-snapshots", "Clusters should retain automatic snapshots", rule.SeverityLow,
			func(c MemoryDBCluster) bool { return c.SnapshotRetentionDays > 0 }),
	}
}

// RedshiftRules are the built-in Redshift cluster rules.
func RedshiftRules() []rule.Rule[RedshiftCluster] {
	return []rule.Rule[RedshiftCluster]{
		rule.Predicate("redshift-public", "Clusters must not be publicly accessible", rule.SeverityCritical,
			func(c RedshiftCluster) bool { return !c.PubliclyAccessible }),
		rule.Predicate("redshift-encrypted", "Clusters must be encrypted at rest", rule.SeverityHigh,
			func(c RedshiftCluster) bool { return c.Encrypted }),
		rule.Predicate("redshift-snapshots", "Clusters must retain automated snapshots", rule.SeverityMedium,
			func(c RedshiftCluster) bool { return c.SnapshotRetentionDays > 0 }),
		rule.Predicate("redshift-enhanced-vpc-routing", "Clusters should route COPY and UNLOAD through the VPC", rule.SeverityLow,
			func(c RedshiftCluster) bool { return c.EnhancedVPCRouting }),
	}
}

// HostedZoneRules are the built-in hosted zone rules. Private zones pass.
func HostedZoneRules() []rule.Rule[HostedZone] {
	return []rule.Rule[HostedZone]{
		rule.Predicate("route53-query-logging", "Public hosted zones should log DNS queries", rule.SeverityLow,
			func(z HostedZone) bool { return z.Private || z.QueryLogging }),
		rule.Predicate("route53-dnssec", "Public hosted zones should sign with DNSSEC", rule.SeverityLow,
			func(z HostedZone) bool { return z.Private || z.DNSSECSigning }),
	}
}

// Register adds every AWS resource type to reg with its built-in rules
// followed by the policies bound to it. A policy naming an unknown type or
// reusing a built-in rule id fails registration.
func Register(ctx context.Context, reg *scan.Registry, policies ...rule.Policy) error {
	err := errors.Join(
		register[TaskDefinitionRecord, TaskDefinition](ctx, reg, TaskDefinitionKind{}, ECSRules(), policies),
		register[SecurityGroupRecord, SecurityGroup](ctx, reg, SecurityGroupKind{}, SecurityGroupRules(), policies),
		register[VolumeRecord, Volume](ctx, reg, VolumeKind{}, VolumeRules(), policies),
		register[DBInstanceRecord, DBInstance](ctx, reg, DBInstanceKind{}, RDSRules(), policies),
		register[BucketRecord, Bucket](ctx, reg, BucketKind{}, S3Rules(), policies),
		register[QueueRecord, Queue](ctx, reg, QueueKind{}, SQSRules(), policies),
		register[ClusterRecord, Cluster](ctx, reg, ClusterKind{}, EKSRules(), policies),
		register[KeyRecord, Key](ctx, reg, KeyKind{}, KMSRules(), policies),
		register[TrailRecord, Trail](ctx, reg, TrailKind{}, CloudTrailRules(), policies),
		register[FunctionRecord, Function](ctx, reg, FunctionKind{}, LambdaRules(), policies),
		register[RepositoryRecord, Repository](ctx, reg, RepositoryKind{}, ECRRules(), policies),
		register[TableRecord, Table](ctx, reg, TableKind{}, DynamoDBRules(), policies),
		register[UserRecord, User](ctx, reg, UserKind{}, IAMRules(), policies),
		register[AutoScalingGroupRecord, AutoScalingGroup](ctx, reg, AutoScalingGroupKind{}, AutoScalingRules(), policies),
		register[LogGroupRecord, LogGroup](ctx, reg, LogGroupKind{}, LogGroupRules(), policies),
		register[LoadBalancerRecord, LoadBalancer](ctx, reg, LoadBalancerKind{}, LoadBalancerRules(), policies),
		register[MemoryDBRecord, MemoryDBCluster](ctx, reg, MemoryDBKind{}, MemoryDBRules(), policies),
		register[RedshiftRecord, RedshiftCluster](ctx, reg, RedshiftKind{}, RedshiftRules(), policies),
		register[HostedZoneRecord, HostedZone](ctx, reg, HostedZoneKind{}, HostedZoneRules(), policies),
	)
	if err != nil {
		return err
	}

	for _, p := range policies {
		if _, ok := reg.Get(p.ResourceType); !ok {
			return fmt.Errorf("rule %s: unknown resource type %q", p.ID, p.ResourceType)
		}
	}
	return nil
}

// globalTypes are checked once per run rather than once per region.
var globalTypes = []string{TypeIAMUser, TypeHostedZone}

func register[R any, T checker.Resource](ctx context.Context, reg *scan.Registry, kind checker.Kind[R, T], builtin []rule.Rule[T], policies []rule.Policy) error {
	custom, err := rule.Compile[T](ctx, kind.Name(), policies)
	if err != nil {
		return err
	}
	for _, c := range custom {
		if lo.ContainsBy(builtin, func(b rule.Rule[T]) bool { return b.ID == c.ID }) {
			return fmt.Errorf("rule %s: id already used by a built-in %s rule", c.ID, kind.Name())
		}
	}

	rules := append(builtin, custom...)
	factory := func(acct *account.Account) scan.Target {
		return scan.Bind(checker.New(acct, kind), rules...)
	}
	if lo.Contains(globalTypes, kind.Name()) {
		reg.RegisterGlobal(kind.Name(), factory)
		return nil
	}
	reg.Register(kind.Name(), factory)
	return nil
}
