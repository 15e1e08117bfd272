package aws

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeAutoScalingGroup is the resource type of EC2 Auto Scaling groups.
const TypeAutoScalingGroup = "autoscaling_group"

// autoScalingNameBatch is the most names one describe call accepts.
const autoScalingNameBatch = 50

// AutoScalingGroupRecord is one group from DescribeAutoScalingGroups plus its
// launch configuration, nil when the group launches from a template.
type AutoScalingGroupRecord struct {
	Region              string
	Group               astypes.AutoScalingGroup
	LaunchConfiguration *astypes.LaunchConfiguration
}

// AutoScalingGroup is an Auto Scaling group, identified by name.
type AutoScalingGroup struct {
	resource.Identity

	LaunchTemplate      string   `json:"launch_template,omitempty"`
	LaunchConfiguration string   `json:"launch_configuration,omitempty"`
	HealthCheckType     string   `json:"health_check_type"`
	Zones               []string `json:"zones"`

	UsesLaunchTemplate     bool `json:"uses_launch_template"`
	MultiAZ                bool `json:"multi_az"`
	AttachedToLoadBalancer bool `json:"attached_to_load_balancer"`
	ELBHealthCheck         bool `json:"elb_health_check"`
	// MetadataV1Allowed and PublicIP come from the launch configuration and
	// are false for groups launched from templates.
	MetadataV1Allowed bool `json:"metadata_v1_allowed"`
	PublicIP          bool `json:"public_ip"`
}

// AutoScalingGroupKind fetches and normalizes Auto Scaling groups.
type AutoScalingGroupKind struct{}

// Name returns the resource type.
func (AutoScalingGroupKind) Name() string { return TypeAutoScalingGroup }

// Fetch pages through DescribeAutoScalingGroups, restricted to ids when given,
// and resolves the launch configuration of every group that has one.
func (AutoScalingGroupKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[AutoScalingGroupRecord, error] {
	return func(yield func(AutoScalingGroupRecord, error) bool) {
		client := autoScalingClient(acct)

		batches := [][]string{nil}
		if len(ids) > 0 {
			batches = lo.Chunk(ids, autoScalingNameBatch)
		}

		var groups []astypes.AutoScalingGroup
		for _, names := range batches {
			found, err := describeAutoScalingGroups(ctx, acct, client, names)
			if err != nil {
				yield(AutoScalingGroupRecord{}, err)
				return
			}
			groups = append(groups, found...)
		}

		configs, err := describeLaunchConfigurations(ctx, acct, client, lo.Uniq(lo.FilterMap(groups, func(g astypes.AutoScalingGroup, _ int) (string, bool) {
			return aws.ToString(g.LaunchConfigurationName), g.LaunchConfigurationName != nil
		})))
		if err != nil {
			yield(AutoScalingGroupRecord{}, err)
			return
		}

		for _, g := range groups {
			rec := AutoScalingGroupRecord{Region: acct.Region(), Group: g}
			if lc, ok := configs[aws.ToString(g.LaunchConfigurationName)]; ok {
				rec.LaunchConfiguration = &lc
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// describeAutoScalingGroups pages through groups. Unknown names are omitted
// from the response.
func describeAutoScalingGroups(ctx context.Context, acct *account.Account, client AutoScalingAPI, names []string) ([]astypes.AutoScalingGroup, error) {
	var groups []astypes.AutoScalingGroup
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceAutoScaling, "DescribeAutoScalingGroups", func(ctx context.Context) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
				AutoScalingGroupNames: names,
				NextToken:             nextToken,
			})
		})
		if err != nil {
			return nil, err
		}
		groups = append(groups, out.AutoScalingGroups...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return groups, nil
}

func describeLaunchConfigurations(ctx context.Context, acct *account.Account, client AutoScalingAPI, names []string) (map[string]astypes.LaunchConfiguration, error) {
	configs := make(map[string]astypes.LaunchConfiguration, len(names))

	for _, batch := range lo.Chunk(names, autoScalingNameBatch) {
		var nextToken *string
		for {
			out, err := account.Call(ctx, acct, ServiceAutoScaling, "DescribeLaunchConfigurations", func(ctx context.Context) (*autoscaling.DescribeLaunchConfigurationsOutput, error) {
				return client.DescribeLaunchConfigurations(ctx, &autoscaling.DescribeLaunchConfigurationsInput{
					LaunchConfigurationNames: batch,
					NextToken:                nextToken,
				})
			})
			if err != nil {
				return nil, err
			}
			for _, lc := range out.LaunchConfigurations {
				configs[aws.ToString(lc.LaunchConfigurationName)] = lc
			}

			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}
	}

	return configs, nil
}

// launchTemplateName returns the template a group launches from, directly or
// through a mixed instances policy.
func launchTemplateName(g astypes.AutoScalingGroup) string {
	tmpl := g.LaunchTemplate
	if tmpl == nil && g.MixedInstancesPolicy != nil && g.MixedInstancesPolicy.LaunchTemplate != nil {
		tmpl = g.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification
	}
	if tmpl == nil {
		return ""
	}
	if tmpl.LaunchTemplateName != nil {
		return aws.ToString(tmpl.LaunchTemplateName)
	}
	return aws.ToString(tmpl.LaunchTemplateId)
}

// metadataV1Allowed reports whether instances from lc answer IMDSv1 requests.
func metadataV1Allowed(lc *astypes.LaunchConfiguration) bool {
	md := lc.MetadataOptions
	if md == nil {
		return true
	}
	return md.HttpEndpoint != astypes.InstanceMetadataEndpointStateDisabled &&
		md.HttpTokens != astypes.InstanceMetadataHttpTokensStateRequired
}

// Normalize converts a group record.
func (AutoScalingGroupKind) Normalize(raw AutoScalingGroupRecord) (AutoScalingGroup, error) {
	g := raw.Group
	name := aws.ToString(g.AutoScalingGroupName)
	if name == "" {
		return AutoScalingGroup{}, fmt.Errorf("auto scaling group without name: %w", checker.ErrMalformedRecord)
	}

	out := AutoScalingGroup{
		Identity:               resource.NewIdentity(name, TypeAutoScalingGroup, name, aws.ToString(g.AutoScalingGroupARN), raw.Region),
		LaunchTemplate:         launchTemplateName(g),
		LaunchConfiguration:    aws.ToString(g.LaunchConfigurationName),
		HealthCheckType:        aws.ToString(g.HealthCheckType),
		Zones:                  g.AvailabilityZones,
		MultiAZ:                len(g.AvailabilityZones) > 1,
		AttachedToLoadBalancer: len(g.TargetGroupARNs) > 0 || len(g.LoadBalancerNames) > 0,
	}
	out.UsesLaunchTemplate = out.LaunchTemplate != ""
	out.ELBHealthCheck = out.HealthCheckType == "ELB"
	if lc := raw.LaunchConfiguration; lc != nil {
		out.MetadataV1Allowed = metadataV1Allowed(lc)
		out.PublicIP = aws.ToBool(lc.AssociatePublicIpAddress)
	}
	for _, t := range g.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// AutoScalingChecker checks Auto Scaling groups.
type AutoScalingChecker struct {
	*checker.Checker[AutoScalingGroupRecord, AutoScalingGroup]
}

// NewAutoScalingChecker creates an AutoScalingChecker borrowing acct.
func NewAutoScalingChecker(acct *account.Account) *AutoScalingChecker {
	return &AutoScalingChecker{checker.New[AutoScalingGroupRecord, AutoScalingGroup](acct, AutoScalingGroupKind{})}
}

// Groups returns the groups of the latest successful check.
func (c *AutoScalingChecker) Groups() []AutoScalingGroup {
	return c.Snapshot().All()
}
