package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	route53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeHostedZone is the resource type of Route 53 hosted zones. Route 53 is
// global: zones are checked once, not per region.
const TypeHostedZone = "route53_hosted_zone"

const (
	hostedZonePrefix = "/hostedzone/"
	dnssecSigning    = "SIGNING"
)

// HostedZoneRecord is one hosted zone with its tags and, for public zones,
// its query logging and DNSSEC state.
type HostedZoneRecord struct {
	Zone         route53types.HostedZone
	QueryLogging []route53types.QueryLoggingConfig
	DNSSEC       *route53types.DNSSECStatus
	Tags         []route53types.Tag
}

// HostedZone is a Route 53 hosted zone, identified by zone id without the
// /hostedzone/ prefix.
type HostedZone struct {
	resource.Identity

	RecordCount int64 `json:"record_count"`

	Private       bool `json:"private"`
	QueryLogging  bool `json:"query_logging"`
	DNSSECSigning bool `json:"dnssec_signing"`
}

// HostedZoneKind fetches and normalizes hosted zones.
type HostedZoneKind struct{}

// Name returns the resource type.
func (HostedZoneKind) Name() string { return TypeHostedZone }

// Fetch pages through ListHostedZones, or gets each of ids, and reads the
// tags, query logging and DNSSEC state of every zone.
func (HostedZoneKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[HostedZoneRecord, error] {
	return func(yield func(HostedZoneRecord, error) bool) {
		client := route53Client(acct)

		var zones []route53types.HostedZone
		var err error
		if len(ids) == 0 {
			zones, err = listHostedZones(ctx, acct, client)
		} else {
			zones, err = getHostedZones(ctx, acct, client, ids)
		}
		if err != nil {
			yield(HostedZoneRecord{}, err)
			return
		}

		for _, z := range zones {
			rec, found, err := hostedZoneDetails(ctx, acct, client, z)
			if err != nil {
				yield(HostedZoneRecord{}, err)
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

func listHostedZones(ctx context.Context, acct *account.Account, client Route53API) ([]route53types.HostedZone, error) {
	var zones []route53types.HostedZone
	var marker *string

	for {
		out, err := account.Call(ctx, acct, ServiceRoute53, "ListHostedZones", func(ctx context.Context) (*route53.ListHostedZonesOutput, error) {
			return client.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		})
		if err != nil {
			return nil, err
		}
		zones = append(zones, out.HostedZones...)

		if !out.IsTruncated || out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}

	return zones, nil
}

func getHostedZones(ctx context.Context, acct *account.Account, client Route53API, ids []string) ([]route53types.HostedZone, error) {
	var zones []route53types.HostedZone
	for _, id := range ids {
		out, err := account.Call(ctx, acct, ServiceRoute53, "GetHostedZone", func(ctx context.Context) (*route53.GetHostedZoneOutput, error) {
			return client.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(zoneID(id))})
		})
		if err != nil {
			if isHostedZoneMissing(err) {
				continue
			}
			return nil, err
		}
		if out.HostedZone != nil {
			zones = append(zones, *out.HostedZone)
		}
	}
	return zones, nil
}

func hostedZoneDetails(ctx context.Context, acct *account.Account, client Route53API, z route53types.HostedZone) (HostedZoneRecord, bool, error) {
	rec := HostedZoneRecord{Zone: z}
	id := aws.String(zoneID(aws.ToString(z.Id)))

	tags, err := account.Call(ctx, acct, ServiceRoute53, "ListTagsForResource", func(ctx context.Context) (*route53.ListTagsForResourceOutput, error) {
		return client.ListTagsForResource(ctx, &route53.ListTagsForResourceInput{
			ResourceType: route53types.TagResourceTypeHostedzone,
			ResourceId:   id,
		})
	})
	if err != nil {
		return hostedZoneGone(err)
	}
	if tags.ResourceTagSet != nil {
		rec.Tags = tags.ResourceTagSet.Tags
	}

	if isPrivateZone(z) {
		return rec, true, nil
	}

	var nextToken *string
	for {
		logs, err := account.Call(ctx, acct, ServiceRoute53, "ListQueryLoggingConfigs", func(ctx context.Context) (*route53.ListQueryLoggingConfigsOutput, error) {
			return client.ListQueryLoggingConfigs(ctx, &route53.ListQueryLoggingConfigsInput{HostedZoneId: id, NextToken: nextToken})
		})
		if err != nil {
			return hostedZoneGone(err)
		}
		rec.QueryLogging = append(rec.QueryLogging, logs.QueryLoggingConfigs...)
		if logs.NextToken == nil {
			break
		}
		nextToken = logs.NextToken
	}

	dnssec, err := account.Call(ctx, acct, ServiceRoute53, "GetDNSSEC", func(ctx context.Context) (*route53.GetDNSSECOutput, error) {
		return client.GetDNSSEC(ctx, &route53.GetDNSSECInput{HostedZoneId: id})
	})
	if err != nil {
		return hostedZoneGone(err)
	}
	rec.DNSSEC = dnssec.Status

	return rec, true, nil
}

// zoneID strips the /hostedzone/ prefix Route 53 puts on zone ids.
func zoneID(id string) string {
	return strings.TrimPrefix(id, hostedZonePrefix)
}

func isPrivateZone(z route53types.HostedZone) bool {
	return z.Config != nil && z.Config.PrivateZone
}

func isHostedZoneMissing(err error) bool {
	var notFound *route53types.NoSuchHostedZone
	return errors.As(err, &notFound)
}

// hostedZoneGone turns a zone deleted mid-check into not-found.
func hostedZoneGone(err error) (HostedZoneRecord, bool, error) {
	if isHostedZoneMissing(err) {
		return HostedZoneRecord{}, false, nil
	}
	return HostedZoneRecord{}, false, err
}

// Normalize converts a hosted zone record.
func (HostedZoneKind) Normalize(raw HostedZoneRecord) (HostedZone, error) {
	z := raw.Zone
	id := zoneID(aws.ToString(z.Id))
	if id == "" {
		return HostedZone{}, fmt.Errorf("hosted zone without id: %w", checker.ErrMalformedRecord)
	}

	out := HostedZone{
		Identity:     resource.NewIdentity(id, TypeHostedZone, aws.ToString(z.Name), "arn:aws:route53:::hostedzone/"+id, ""),
		RecordCount:  aws.ToInt64(z.ResourceRecordSetCount),
		Private:      isPrivateZone(z),
		QueryLogging: len(raw.QueryLogging) > 0,
	}
	if raw.DNSSEC != nil {
		out.DNSSECSigning = aws.ToString(raw.DNSSEC.ServeSignature) == dnssecSigning
	}
	for _, t := range raw.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// Route53Checker checks Route 53 hosted zones.
type Route53Checker struct {
	*checker.Checker[HostedZoneRecord, HostedZone]
}

// NewRoute53Checker creates a Route53Checker borrowing acct.
func NewRoute53Checker(acct *account.Account) *Route53Checker {
	return &Route53Checker{checker.New[HostedZoneRecord, HostedZone](acct, HostedZoneKind{})}
}

// HostedZones returns the hosted zones of the latest successful check.
func (c *Route53Checker) HostedZones() []HostedZone {
	return c.Snapshot().All()
}
