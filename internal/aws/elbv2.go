package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeLoadBalancer is the resource type of application, network and gateway
// load balancers.
const TypeLoadBalancer = "elb_load_balancer"

// Load balancer attribute keys.
const (
	attrAccessLogs         = "access_logs.s3.enabled"
	attrDeletionProtection = "deletion_protection.enabled"
	attrDropInvalidHeaders = "routing.http.drop_invalid_header_fields.enabled"
)

// LoadBalancerRecord is one load balancer with its attributes, listeners and
// tags.
type LoadBalancerRecord struct {
	Region       string
	LoadBalancer elbv2types.LoadBalancer
	Attributes   []elbv2types.LoadBalancerAttribute
	Listeners    []elbv2types.Listener
	Tags         []elbv2types.Tag
}

// LoadBalancer is an Elastic Load Balancing v2 load balancer, identified by
// name.
type LoadBalancer struct {
	resource.Identity

	LBType  string `json:"lb_type"`
	Scheme  string `json:"scheme"`
	DNSName string `json:"dns_name"`

	InternetFacing     bool `json:"internet_facing"`
	AccessLogs         bool `json:"access_logs"`
	DeletionProtection bool `json:"deletion_protection"`
	DropInvalidHeaders bool `json:"drop_invalid_headers"`
	// PlaintextListener is true when an HTTP listener serves traffic instead
	// of redirecting it to HTTPS.
	PlaintextListener bool `json:"plaintext_listener"`
}

// LoadBalancerKind fetches and normalizes load balancers.
type LoadBalancerKind struct{}

// Name returns the resource type.
func (LoadBalancerKind) Name() string { return TypeLoadBalancer }

// Fetch pages through DescribeLoadBalancers, or describes each of ids, and
// reads the attributes, listeners and tags of every load balancer.
func (LoadBalancerKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[LoadBalancerRecord, error] {
	return func(yield func(LoadBalancerRecord, error) bool) {
		client := elbv2Client(acct)

		var lbs []elbv2types.LoadBalancer
		var err error
		if len(ids) == 0 {
			lbs, err = listLoadBalancers(ctx, acct, client)
		} else {
			lbs, err = describeLoadBalancers(ctx, acct, client, ids)
		}
		if err != nil {
			yield(LoadBalancerRecord{}, err)
			return
		}

		for _, lb := range lbs {
			rec, found, err := loadBalancerDetails(ctx, acct, client, lb)
			if err != nil {
				yield(LoadBalancerRecord{}, err)
				return
			}
			if !found {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func listLoadBalancers(ctx context.Context, acct *account.Account, client ELBv2API) ([]elbv2types.LoadBalancer, error) {
	var lbs []elbv2types.LoadBalancer
	var marker *string

	for {
		out, err := account.Call(ctx, acct, ServiceELBv2, "DescribeLoadBalancers", func(ctx context.Context) (*elbv2.DescribeLoadBalancersOutput, error) {
			return client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Marker: marker})
		})
		if err != nil {
			return nil, err
		}
		lbs = append(lbs, out.LoadBalancers...)

		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}

	return lbs, nil
}

// describeLoadBalancers describes ids one at a time: a single unknown name
// fails a batched call.
func describeLoadBalancers(ctx context.Context, acct *account.Account, client ELBv2API, ids []string) ([]elbv2types.LoadBalancer, error) {
	var lbs []elbv2types.LoadBalancer
	for _, name := range ids {
		out, err := account.Call(ctx, acct, ServiceELBv2, "DescribeLoadBalancers", func(ctx context.Context) (*elbv2.DescribeLoadBalancersOutput, error) {
			return client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{name}})
		})
		if err != nil {
			if isLoadBalancerMissing(err) {
				continue
			}
			return nil, err
		}
		lbs = append(lbs, out.LoadBalancers...)
	}
	return lbs, nil
}

func loadBalancerDetails(ctx context.Context, acct *account.Account, client ELBv2API, lb elbv2types.LoadBalancer) (LoadBalancerRecord, bool, error) {
	rec := LoadBalancerRecord{Region: acct.Region(), LoadBalancer: lb}
	arn := lb.LoadBalancerArn

	attrs, err := account.Call(ctx, acct, ServiceELBv2, "DescribeLoadBalancerAttributes", func(ctx context.Context) (*elbv2.DescribeLoadBalancerAttributesOutput, error) {
		return client.DescribeLoadBalancerAttributes(ctx, &elbv2.DescribeLoadBalancerAttributesInput{LoadBalancerArn: arn})
	})
	if err != nil {
		return loadBalancerGone(err)
	}
	rec.Attributes = attrs.Attributes

	var marker *string
	for {
		listeners, err := account.Call(ctx, acct, ServiceELBv2, "DescribeListeners", func(ctx context.Context) (*elbv2.DescribeListenersOutput, error) {
			return client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: arn, Marker: marker})
		})
		if err != nil {
			return loadBalancerGone(err)
		}
		rec.Listeners = append(rec.Listeners, listeners.Listeners...)
		if listeners.NextMarker == nil {
			break
		}
		marker = listeners.NextMarker
	}

	tags, err := account.Call(ctx, acct, ServiceELBv2, "DescribeTags", func(ctx context.Context) (*elbv2.DescribeTagsOutput, error) {
		return client.DescribeTags(ctx, &elbv2.DescribeTagsInput{ResourceArns: []string{aws.ToString(arn)}})
	})
	if err != nil {
		return loadBalancerGone(err)
	}
	for _, d := range tags.TagDescriptions {
		rec.Tags = append(rec.Tags, d.Tags...)
	}

	return rec, true, nil
}

func isLoadBalancerMissing(err error) bool {
	var notFound *elbv2types.LoadBalancerNotFoundException
	return errors.As(err, &notFound)
}

// loadBalancerGone turns a load balancer deleted mid-check into not-found.
func loadBalancerGone(err error) (LoadBalancerRecord, bool, error) {
	if isLoadBalancerMissing(err) {
		return LoadBalancerRecord{}, false, nil
	}
	return LoadBalancerRecord{}, false, err
}

// servesPlaintext reports whether an HTTP listener forwards traffic rather
// than redirecting it to HTTPS by default.
func servesPlaintext(l elbv2types.Listener) bool {
	if l.Protocol != elbv2types.ProtocolEnumHttp {
		return false
	}
	return !lo.ContainsBy(l.DefaultActions, redirectsToHTTPS)
}

func redirectsToHTTPS(a elbv2types.Action) bool {
	return a.Type == elbv2types.ActionTypeEnumRedirect &&
		a.RedirectConfig != nil &&
		aws.ToString(a.RedirectConfig.Protocol) == string(elbv2types.ProtocolEnumHttps)
}

// Normalize converts a load balancer record.
func (LoadBalancerKind) Normalize(raw LoadBalancerRecord) (LoadBalancer, error) {
	lb := raw.LoadBalancer
	name := aws.ToString(lb.LoadBalancerName)
	if name == "" {
		return LoadBalancer{}, fmt.Errorf("load balancer without name: %w", checker.ErrMalformedRecord)
	}

	attrs := lo.SliceToMap(raw.Attributes, func(a elbv2types.LoadBalancerAttribute) (string, string) {
		return aws.ToString(a.Key), aws.ToString(a.Value)
	})

	out := LoadBalancer{
		Identity:           resource.NewIdentity(name, TypeLoadBalancer, name, aws.ToString(lb.LoadBalancerArn), raw.Region),
		LBType:             string(lb.Type),
		Scheme:             string(lb.Scheme),
		DNSName:            aws.ToString(lb.DNSName),
		InternetFacing:     lb.Scheme == elbv2types.LoadBalancerSchemeEnumInternetFacing,
		AccessLogs:         attrs[attrAccessLogs] == "true",
		DeletionProtection: attrs[attrDeletionProtection] == "true",
		DropInvalidHeaders: attrs[attrDropInvalidHeaders] == "true",
		PlaintextListener:  lo.ContainsBy(raw.Listeners, servesPlaintext),
	}
	for _, t := range raw.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// ELBv2Checker checks load balancers.
type ELBv2Checker struct {
	*checker.Checker[LoadBalancerRecord, LoadBalancer]
}

// NewELBv2Checker creates an ELBv2Checker borrowing acct.
func NewELBv2Checker(acct *account.Account) *ELBv2Checker {
	return &ELBv2Checker{checker.New[LoadBalancerRecord, LoadBalancer](acct, LoadBalancerKind{})}
}

// LoadBalancers returns the load balancers of the latest successful check.
func (c *ELBv2Checker) LoadBalancers() []LoadBalancer {
	return c.Snapshot().All()
}
