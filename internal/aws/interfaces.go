package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/posture/internal/account"
)

// Service names used as client cache keys on the Account.
const (
	ServiceECS = "ecs"
	ServiceEC2 = "ec2"
	ServiceRDS = "rds"
	ServiceS3  = "s3"
	ServiceSQS = "sqs"
	ServiceEKS = "eks"

	ServiceKMS        = "kms"
	ServiceCloudTrail = "cloudtrail"
	ServiceLambda     = "lambda"
	ServiceECR        = "ecr"
	ServiceDynamoDB   = "dynamodb"
	ServiceIAM        = "iam"

	ServiceAutoScaling = "autoscaling"
	ServiceLogs        = "logs"
	ServiceELBv2       = "elasticloadbalancing"
	ServiceMemoryDB    = "memorydb"
	ServiceRedshift    = "redshift"
	ServiceRoute53     = "route53"
)

// ECSAPI defines the ECS operations used by the task definition checker.
type ECSAPI interface {
	ListTaskDefinitionFamilies(ctx context.Context, params *ecs.ListTaskDefinitionFamiliesInput, optFns ...func(*ecs.Options)) (*ecs.ListTaskDefinitionFamiliesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
}

// EC2API defines the EC2 operations used by the security group and volume checkers.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// RDSAPI defines the RDS operations used by the DB instance checker.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// S3API defines the S3 operations used by the bucket checker.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	GetBucketPolicyStatus(ctx context.Context, params *s3.GetBucketPolicyStatusInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyStatusOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
}

// SQSAPI defines the SQS operations used by the queue checker.
type SQSAPI interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// EKSAPI defines the EKS operations used by the cluster checker.
type EKSAPI interface {
	ListClusters(ctx context.Context, params *eks.ListClustersInput, optFns ...func(*eks.Options)) (*eks.ListClustersOutput, error)
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

// KMSAPI defines the KMS operations used by the key checker.
type KMSAPI interface {
	ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetKeyRotationStatus(ctx context.Context, params *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error)
	ListResourceTags(ctx context.Context, params *kms.ListResourceTagsInput, optFns ...func(*kms.Options)) (*kms.ListResourceTagsOutput, error)
}

// CloudTrailAPI defines the CloudTrail operations used by the trail checker.
type CloudTrailAPI interface {
	DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

// LambdaAPI defines the Lambda operations used by the function checker.
type LambdaAPI interface {
	ListFunctions(ctx context.Context, params *lambda.ListFunctionsInput, optFns ...func(*lambda.Options)) (*lambda.ListFunctionsOutput, error)
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	GetFunctionUrlConfig(ctx context.Context, params *lambda.GetFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionUrlConfigOutput, error)
}

// ECRAPI defines the ECR operations used by the repository checker.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	ListTagsForResource(ctx context.Context, params *ecr.ListTagsForResourceInput, optFns ...func(*ecr.Options)) (*ecr.ListTagsForResourceOutput, error)
}

// DynamoDBAPI defines the DynamoDB operations used by the table checker.
type DynamoDBAPI interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DescribeContinuousBackups(ctx context.Context, params *dynamodb.DescribeContinuousBackupsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeContinuousBackupsOutput, error)
	ListTagsOfResource(ctx context.Context, params *dynamodb.ListTagsOfResourceInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTagsOfResourceOutput, error)
}

// IAMAPI defines the IAM operations used by the user checker.
type IAMAPI interface {
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error)
	ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// AutoScalingAPI defines the Auto Scaling operations used by the group checker.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeLaunchConfigurations(ctx context.Context, params *autoscaling.DescribeLaunchConfigurationsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error)
}

// LogsAPI defines the CloudWatch Logs operations used by the log group checker.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	ListTagsForResource(ctx context.Context, params *cloudwatchlogs.ListTagsForResourceInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.ListTagsForResourceOutput, error)
}

// ELBv2API defines the Elastic Load Balancing operations used by the load
// balancer checker.
type ELBv2API interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	DescribeLoadBalancerAttributes(ctx context.Context, params *elbv2.DescribeLoadBalancerAttributesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancerAttributesOutput, error)
	DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	DescribeTags(ctx context.Context, params *elbv2.DescribeTagsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTagsOutput, error)
}

// MemoryDBAPI defines the MemoryDB operations used by the cluster checker.
type MemoryDBAPI interface {
	DescribeClusters(ctx context.Context, params *memorydb.DescribeClustersInput, optFns ...func(*memorydb.Options)) (*memorydb.DescribeClustersOutput, error)
	ListTags(ctx context.Context, params *memorydb.ListTagsInput, optFns ...func(*memorydb.Options)) (*memorydb.ListTagsOutput, error)
}

// RedshiftAPI defines the Redshift operations used by the cluster checker.
type RedshiftAPI interface {
	DescribeClusters(ctx context.Context, params *redshift.DescribeClustersInput, optFns ...func(*redshift.Options)) (*redshift.DescribeClustersOutput, error)
}

// Route53API defines the Route 53 operations used by the hosted zone checker.
type Route53API interface {
	ListHostedZones(ctx context.Context, params *route53.ListHostedZonesInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesOutput, error)
	GetHostedZone(ctx context.Context, params *route53.GetHostedZoneInput, optFns ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
	ListQueryLoggingConfigs(ctx context.Context, params *route53.ListQueryLoggingConfigsInput, optFns ...func(*route53.Options)) (*route53.ListQueryLoggingConfigsOutput, error)
	GetDNSSEC(ctx context.Context, params *route53.GetDNSSECInput, optFns ...func(*route53.Options)) (*route53.GetDNSSECOutput, error)
	ListTagsForResource(ctx context.Context, params *route53.ListTagsForResourceInput, optFns ...func(*route53.Options)) (*route53.ListTagsForResourceOutput, error)
}

func ecsClient(acct *account.Account) ECSAPI {
	return account.Client(acct, ServiceECS, func(cfg aws.Config) ECSAPI { return ecs.NewFromConfig(cfg) })
}

func ec2Client(acct *account.Account) EC2API {
	return account.Client(acct, ServiceEC2, func(cfg aws.Config) EC2API { return ec2.NewFromConfig(cfg) })
}

func rdsClient(acct *account.Account) RDSAPI {
	return account.Client(acct, ServiceRDS, func(cfg aws.Config) RDSAPI { return rds.NewFromConfig(cfg) })
}

func s3Client(acct *account.Account) S3API {
	return account.Client(acct, ServiceS3, func(cfg aws.Config) S3API { return s3.NewFromConfig(cfg) })
}

func sqsClient(acct *account.Account) SQSAPI {
	return account.Client(acct, ServiceSQS, func(cfg aws.Config) SQSAPI { return sqs.NewFromConfig(cfg) })
}

func eksClient(acct *account.Account) EKSAPI {
	return account.Client(acct, ServiceEKS, func(cfg aws.Config) EKSAPI { return eks.NewFromConfig(cfg) })
}

func kmsClient(acct *account.Account) KMSAPI {
	return account.Client(acct, ServiceKMS, func(cfg aws.Config) KMSAPI { return kms.NewFromConfig(cfg) })
}

func cloudTrailClient(acct *account.Account) CloudTrailAPI {
	return account.Client(acct, ServiceCloudTrail, func(cfg aws.Config) CloudTrailAPI { return cloudtrail.NewFromConfig(cfg) })
}

func lambdaClient(acct *account.Account) LambdaAPI {
	return account.Client(acct, ServiceLambda, func(cfg aws.Config) LambdaAPI { return lambda.NewFromConfig(cfg) })
}

func ecrClient(acct *account.Account) ECRAPI {
	return account.Client(acct, ServiceECR, func(cfg aws.Config) ECRAPI { return ecr.NewFromConfig(cfg) })
}

func dynamoDBClient(acct *account.Account) DynamoDBAPI {
	return account.Client(acct, ServiceDynamoDB, func(cfg aws.Config) DynamoDBAPI { return dynamodb.NewFromConfig(cfg) })
}

func iamClient(acct *account.Account) IAMAPI {
	return account.Client(acct, ServiceIAM, func(cfg aws.Config) IAMAPI { return iam.NewFromConfig(cfg) })
}

func autoScalingClient(acct *account.Account) AutoScalingAPI {
	return account.Client(acct, ServiceAutoScaling, func(cfg aws.Config) AutoScalingAPI { return autoscaling.NewFromConfig(cfg) })
}

func logsClient(acct *account.Account) LogsAPI {
	return account.Client(acct, ServiceLogs, func(cfg aws.Config) LogsAPI { return cloudwatchlogs.NewFromConfig(cfg) })
}

func elbv2Client(acct *account.Account) ELBv2API {
	return account.Client(acct, ServiceELBv2, func(cfg aws.Config) ELBv2API { return elbv2.NewFromConfig(cfg) })
}

func memoryDBClient(acct *account.Account) MemoryDBAPI {
	return account.Client(acct, ServiceMemoryDB, func(cfg aws.Config) MemoryDBAPI { return memorydb.NewFromConfig(cfg) })
}

func redshiftClient(acct *account.Account) RedshiftAPI {
	return account.Client(acct, ServiceRedshift, func(cfg aws.Config) RedshiftAPI { return redshift.NewFromConfig(cfg) })
}

func route53Client(acct *account.Account) Route53API {
	return account.Client(acct, ServiceRoute53, func(cfg aws.Config) Route53API { return route53.NewFromConfig(cfg) })
}
