package aws

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// Resource types served by EC2.
const (
	TypeSecurityGroup = "security_group"
	TypeEBSVolume     = "ebs_volume"
)

// EC2 accepts at most 200 values per filter.
const ec2FilterBatch = 200

var worldCIDRs = []string{"0.0.0.0/0", "::/0"}

// SecurityGroupRecord is one security group from DescribeSecurityGroups.
type SecurityGroupRecord struct {
	Region string
	Group  ec2types.SecurityGroup
}

// SecurityGroup is a VPC security group.
type SecurityGroup struct {
	resource.Identity

	VPCID        string                  `json:"vpc_id"`
	Description  string                  `json:"description"`
	IngressRules []ec2types.IpPermission `json:"ingress_rules"`

	// WorldOpen is true when any ingress rule admits 0.0.0.0/0 or ::/0.
	WorldOpen       bool `json:"world_open"`
	UnrestrictedSSH bool `json:"unrestricted_ssh"`
	UnrestrictedRDP bool `json:"unrestricted_rdp"`
	// WorldOpenPorts lists the port ranges reachable from anywhere, e.g. "tcp:22" or "all".
	WorldOpenPorts []string `json:"world_open_ports"`
}

// SecurityGroupKind fetches and normalizes security groups.
type SecurityGroupKind struct{}

// Name returns the resource type.
func (SecurityGroupKind) Name() string { return TypeSecurityGroup }

// Fetch pages through DescribeSecurityGroups, restricted to ids by a
// group-id filter when given.
func (SecurityGroupKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[SecurityGroupRecord, error] {
	return func(yield func(SecurityGroupRecord, error) bool) {
		client := ec2Client(acct)

		for _, filters := range ec2FilterBatches("group-id", ids) {
			var nextToken *string
			for {
				out, err := account.Call(ctx, acct, ServiceEC2, "DescribeSecurityGroups", func(ctx context.Context) (*ec2.DescribeSecurityGroupsOutput, error) {
					return client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
						Filters:   filters,
						NextToken: nextToken,
					})
				})
				if err != nil {
					yield(SecurityGroupRecord{}, err)
					return
				}

				for _, sg := range out.SecurityGroups {
					if !yield(SecurityGroupRecord{Region: acct.Region(), Group: sg}, nil) {
						return
					}
				}

				if out.NextToken == nil {
					break
				}
				nextToken = out.NextToken
			}
		}
	}
}

// Normalize converts a security group record.
func (SecurityGroupKind) Normalize(raw SecurityGroupRecord) (SecurityGroup, error) {
	sg := raw.Group
	id := aws.ToString(sg.GroupId)
	if id == "" {
		return SecurityGroup{}, fmt.Errorf("security group without id: %w", checker.ErrMalformedRecord)
	}

	out := SecurityGroup{
		Identity:     resource.NewIdentity(id, TypeSecurityGroup, aws.ToString(sg.GroupName), "", raw.Region),
		VPCID:        aws.ToString(sg.VpcId),
		Description:  aws.ToString(sg.Description),
		IngressRules: sg.IpPermissions,
	}
	out.Tags = ec2Tags(sg.Tags)

	open := lo.Filter(sg.IpPermissions, func(p ec2types.IpPermission, _ int) bool {
		return isWorldOpen(p)
	})
	out.WorldOpen = len(open) > 0
	out.UnrestrictedSSH = lo.SomeBy(open, func(p ec2types.IpPermission) bool { return coversPort(p, 22) })
	out.UnrestrictedRDP = lo.SomeBy(open, func(p ec2types.IpPermission) bool { return coversPort(p, 3389) })
	out.WorldOpenPorts = lo.Uniq(lo.Map(open, func(p ec2types.IpPermission, _ int) string { return portRange(p) }))

	return out, nil
}

func isWorldOpen(p ec2types.IpPermission) bool {
	for _, r := range p.IpRanges {
		if lo.Contains(worldCIDRs, aws.ToString(r.CidrIp)) {
			return true
		}
	}
	for _, r := range p.Ipv6Ranges {
		if lo.Contains(worldCIDRs, aws.ToString(r.CidrIpv6)) {
			return true
		}
	}
	return false
}

func coversPort(p ec2types.IpPermission, port int32) bool {
	proto := aws.ToString(p.IpProtocol)
	if proto == "-1" {
		return true
	}
	if proto != "tcp" && proto != "6" {
		return false
	}
	return aws.ToInt32(p.FromPort) <= port && port <= aws.ToInt32(p.ToPort)
}

func portRange(p ec2types.IpPermission) string {
	proto := aws.ToString(p.IpProtocol)
	if proto == "-1" {
		return "all"
	}
	from, to := aws.ToInt32(p.FromPort), aws.ToInt32(p.ToPort)
	if from == to {
		return fmt.Sprintf("%s:%d", proto, from)
	}
	return fmt.Sprintf("%s:%d-%d", proto, from, to)
}

// VolumeRecord is one volume from DescribeVolumes.
type VolumeRecord struct {
	Region string
	Volume ec2types.Volume
}

// Volume is an EBS volume.
type Volume struct {
	resource.Identity

	State      string `json:"state"`
	SizeGiB    int32  `json:"size_gib"`
	VolumeType string `json:"volume_type"`
	KMSKeyID   string `json:"kms_key_id"`
	Attached   bool   `json:"attached"`

	Encrypted bool `json:"encrypted"`
}

// VolumeKind fetches and normalizes EBS volumes.
type VolumeKind struct{}

// Name returns the resource type.
func (VolumeKind) Name() string { return TypeEBSVolume }

// Fetch pages through DescribeVolumes, restricted to ids by a volume-id
// filter when given.
func (VolumeKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[VolumeRecord, error] {
	return func(yield func(VolumeRecord, error) bool) {
		client := ec2Client(acct)

		for _, filters := range ec2FilterBatches("volume-id", ids) {
			var nextToken *string
			for {
				out, err := account.Call(ctx, acct, ServiceEC2, "DescribeVolumes", func(ctx context.Context) (*ec2.DescribeVolumesOutput, error) {
					return client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
						Filters:   filters,
						NextToken: nextToken,
					})
				})
				if err != nil {
					yield(VolumeRecord{}, err)
					return
				}

				for _, vol := range out.Volumes {
					if !yield(VolumeRecord{Region: acct.Region(), Volume: vol}, nil) {
						return
					}
				}

				if out.NextToken == nil {
					break
				}
				nextToken = out.NextToken
			}
		}
	}
}

// Normalize converts a volume record.
func (VolumeKind) Normalize(raw VolumeRecord) (Volume, error) {
	vol := raw.Volume
	id := aws.ToString(vol.VolumeId)
	if id == "" {
		return Volume{}, fmt.Errorf("volume without id: %w", checker.ErrMalformedRecord)
	}

	name := extractNameTag(vol.Tags)
	if name == "" {
		name = id
	}

	out := Volume{
		Identity:   resource.NewIdentity(id, TypeEBSVolume, name, "", raw.Region),
		State:      string(vol.State),
		SizeGiB:    aws.ToInt32(vol.Size),
		VolumeType: string(vol.VolumeType),
		KMSKeyID:   aws.ToString(vol.KmsKeyId),
		Attached:   len(vol.Attachments) > 0,
		Encrypted:  aws.ToBool(vol.Encrypted),
	}
	out.Tags = ec2Tags(vol.Tags)

	return out, nil
}

// ec2FilterBatches splits ids into filter sets EC2 accepts. With no ids it
// returns one unfiltered batch.
func ec2FilterBatches(name string, ids []string) [][]ec2types.Filter {
	if len(ids) == 0 {
		return [][]ec2types.Filter{nil}
	}
	return lo.Map(lo.Chunk(ids, ec2FilterBatch), func(chunk []string, _ int) []ec2types.Filter {
		return idFilter(name, chunk)
	})
}

// SecurityGroupChecker checks VPC security groups.
type SecurityGroupChecker struct {
	*checker.Checker[SecurityGroupRecord, SecurityGroup]
}

// NewSecurityGroupChecker creates a SecurityGroupChecker borrowing acct.
func NewSecurityGroupChecker(acct *account.Account) *SecurityGroupChecker {
	return &SecurityGroupChecker{checker.New[SecurityGroupRecord, SecurityGroup](acct, SecurityGroupKind{})}
}

// SecurityGroups returns the security groups of the latest successful check.
func (c *SecurityGroupChecker) SecurityGroups() []SecurityGroup {
	return c.Snapshot().All()
}

// VolumeChecker checks EBS volumes.
type VolumeChecker struct {
	*checker.Checker[VolumeRecord, Volume]
}

// NewVolumeChecker creates a VolumeChecker borrowing acct.
func NewVolumeChecker(acct *account.Account) *VolumeChecker {
	return &VolumeChecker{checker.New[VolumeRecord, Volume](acct, VolumeKind{})}
}

// Volumes returns the volumes of the latest successful check.
func (c *VolumeChecker) Volumes() []Volume {
	return c.Snapshot().All()
}
