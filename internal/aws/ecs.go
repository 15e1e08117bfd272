package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeECSTaskDefinition is the resource type of ECS task definitions.
const TypeECSTaskDefinition = "ecs_task_definition"

// TaskDefinitionRecord is one DescribeTaskDefinition response.
type TaskDefinitionRecord struct {
	Region     string
	Definition *ecstypes.TaskDefinition
	Tags       []ecstypes.Tag
}

// TaskDefinition is the latest active revision of a task definition family.
// It is identified by family name.
type TaskDefinition struct {
	resource.Identity

	Family      string                         `json:"family"`
	Revision    int32                          `json:"revision"`
	Status      string                         `json:"status"`
	NetworkMode string                         `json:"network_mode"`
	Containers  []ecstypes.ContainerDefinition `json:"containers"`

	// IsPrivileged is true when any container runs in privileged mode.
	IsPrivileged         bool     `json:"is_privileged"`
	PrivilegedContainers []string `json:"privileged_containers"`

	// LoggingDisabled is true when any container has no log configuration.
	LoggingDisabled           bool     `json:"logging_disabled"`
	LoggingDisabledContainers []string `json:"logging_disabled_containers"`

	// ExternalImage is true when any container image is pulled from outside
	// a private ECR registry.
	ExternalImage           bool     `json:"external_image"`
	ExternalImageContainers []string `json:"external_image_containers"`

	HostNetwork bool `json:"host_network"`
}

// TaskDefinitionKind fetches and normalizes ECS task definitions.
type TaskDefinitionKind struct{}

// Name returns the resource type.
func (TaskDefinitionKind) Name() string { return TypeECSTaskDefinition }

// Fetch lists active task definition families, or uses ids as family names,
// and describes the latest active revision of each.
func (TaskDefinitionKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[TaskDefinitionRecord, error] {
	return func(yield func(TaskDefinitionRecord, error) bool) {
		client := ecsClient(acct)

		families := ids
		if len(families) == 0 {
			var err error
			families, err = listTaskDefinitionFamilies(ctx, acct, client)
			if err != nil {
				yield(TaskDefinitionRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeECSTaskDefinition, families,
			func(ctx context.Context, family string) (TaskDefinitionRecord, bool, error) {
				out, err := account.Call(ctx, acct, ServiceECS, "DescribeTaskDefinition", func(ctx context.Context) (*ecs.DescribeTaskDefinitionOutput, error) {
					return client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
						TaskDefinition: aws.String(family),
						Include:        []ecstypes.TaskDefinitionField{ecstypes.TaskDefinitionFieldTags},
					})
				})
				if err != nil {
					if isUnknownTaskDefinition(err) {
						return TaskDefinitionRecord{}, false, nil
					}
					return TaskDefinitionRecord{}, false, err
				}
				return TaskDefinitionRecord{Region: acct.Region(), Definition: out.TaskDefinition, Tags: out.Tags}, true, nil
			},
			yield,
		)
	}
}

// ECS reports a family with no active revision as a ClientException with
// this message. Other client faults share the exception type.
const msgUnknownTaskDefinition = "Unable to describe task definition"

func isUnknownTaskDefinition(err error) bool {
	var clientErr *ecstypes.ClientException
	return errors.As(err, &clientErr) && strings.Contains(clientErr.ErrorMessage(), msgUnknownTaskDefinition)
}

func listTaskDefinitionFamilies(ctx context.Context, acct *account.Account, client ECSAPI) ([]string, error) {
	var families []string
	var nextToken *string

	for {
		out, err := account.Call(ctx, acct, ServiceECS, "ListTaskDefinitionFamilies", func(ctx context.Context) (*ecs.ListTaskDefinitionFamiliesOutput, error) {
			return client.ListTaskDefinitionFamilies(ctx, &ecs.ListTaskDefinitionFamiliesInput{
				Status:    ecstypes.TaskDefinitionFamilyStatusActive,
				NextToken: nextToken,
			})
		})
		if err != nil {
			return nil, err
		}
		families = append(families, out.Families...)

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return families, nil
}

// Normalize converts a describe response into a TaskDefinition.
func (TaskDefinitionKind) Normalize(raw TaskDefinitionRecord) (TaskDefinition, error) {
	td := raw.Definition
	if td == nil || aws.ToString(td.Family) == "" {
		return TaskDefinition{}, fmt.Errorf("task definition without family: %w", checker.ErrMalformedRecord)
	}

	family := aws.ToString(td.Family)
	out := TaskDefinition{
		Identity:    resource.NewIdentity(family, TypeECSTaskDefinition, family, aws.ToString(td.TaskDefinitionArn), raw.Region),
		Family:      family,
		Revision:    td.Revision,
		Status:      string(td.Status),
		NetworkMode: string(td.NetworkMode),
		Containers:  td.ContainerDefinitions,
		HostNetwork: td.NetworkMode == ecstypes.NetworkModeHost,
	}
	for _, tag := range raw.Tags {
		out.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	out.PrivilegedContainers = containerNames(td.ContainerDefinitions, func(c ecstypes.ContainerDefinition) bool {
		return aws.ToBool(c.Privileged)
	})
	out.LoggingDisabledContainers = containerNames(td.ContainerDefinitions, func(c ecstypes.ContainerDefinition) bool {
		return c.LogConfiguration == nil
	})
	out.ExternalImageContainers = containerNames(td.ContainerDefinitions, func(c ecstypes.ContainerDefinition) bool {
		return !isPrivateECRImage(aws.ToString(c.Image))
	})

	out.IsPrivileged = len(out.PrivilegedContainers) > 0
	out.LoggingDisabled = len(out.LoggingDisabledContainers) > 0
	out.ExternalImage = len(out.ExternalImageContainers) > 0

	return out, nil
}

func containerNames(containers []ecstypes.ContainerDefinition, match func(ecstypes.ContainerDefinition) bool) []string {
	return lo.FilterMap(containers, func(c ecstypes.ContainerDefinition, _ int) (string, bool) {
		return aws.ToString(c.Name), match(c)
	})
}

// isPrivateECRImage reports whether image lives in a private ECR registry,
// e.g. 123456789012.dkr.ecr.us-east-1.amazonaws.com/app:1.
func isPrivateECRImage(image string) bool {
	registry, _, found := strings.Cut(image, "/")
	if !found {
		return false
	}
	return strings.Contains(registry, ".dkr.ecr.") && strings.HasSuffix(registry, ".amazonaws.com")
}

// ECSChecker checks ECS task definitions.
type ECSChecker struct {
	*checker.Checker[TaskDefinitionRecord, TaskDefinition]
}

// NewECSChecker creates an ECSChecker borrowing acct.
func NewECSChecker(acct *account.Account) *ECSChecker {
	return &ECSChecker{checker.New[TaskDefinitionRecord, TaskDefinition](acct, TaskDefinitionKind{})}
}

// TaskDefinitions returns the task definitions of the latest successful check.
func (c *ECSChecker) TaskDefinitions() []TaskDefinition {
	return c.Snapshot().All()
}
