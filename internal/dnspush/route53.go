// internal/dnspush/route53.go
package dnspush

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// route53API is the part of the Route 53 client the pusher uses.
type route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

const (
	changeWaitTimeout = 5 * time.Minute
	tlsaTTL           = 3600
	rrTypeTLSA        = types.RRType("TLSA")
)

// Route53Pusher publishes records through the Route 53 API. Changes are
// live once Route 53 reports them in sync, so Restart does nothing.
type Route53Pusher struct {
	Zones  map[string]string // apex -> hosted zone id
	Logger *zap.Logger

	r53  route53API
	wait func(ctx context.Context, changeID *string) error
}

// NewRoute53Pusher loads the default AWS configuration.
func NewRoute53Pusher(ctx context.Context, zones map[string]string, logger *zap.Logger) (*Route53Pusher, error) {
	if len(zones) == 0 {
		return nil, fmt.Errorf("%w: dns.route53_zones is empty", ErrNoZone)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	awsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx)
	if err != nil {
		return nil, fmt.Errorf("dnspush: load AWS config (check credentials): %w", err)
	}
	return newRoute53Pusher(route53.NewFromConfig(awsCfg), zones, logger), nil
}

func newRoute53Pusher(api route53API, zones map[string]string, logger *zap.Logger) *Route53Pusher {
	p := &Route53Pusher{Zones: zones, Logger: logger, r53: api}
	p.wait = func(ctx context.Context, id *string) error {
		w := route53.NewResourceRecordSetsChangedWaiter(api)
		return w.Wait(ctx, &route53.GetChangeInput{Id: id}, changeWaitTimeout)
	}
	return p
}

func (p *Route53Pusher) zone(apex string) (string, error) {
	id, ok := p.Zones[strings.TrimSuffix(apex, ".")]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoZone, apex)
	}
	return id, nil
}

// PushChallenges upserts one TXT set per record name holding every
// validation for that name.
func (p *Route53Pusher) PushChallenges(ctx context.Context, apex string, chs []dnscheck.Challenge) error {
	zoneID, err := p.zone(apex)
	if err != nil {
		return err
	}
	byName := map[string][]types.ResourceRecord{}
	var names []string
	for _, ch := range chs {
		if err := validateDNS01Value(ch.Validation); err != nil {
			return err
		}
		name := ch.RecordName()
		if err := validateRecordName(name); err != nil {
			return err
		}
		if _, ok := byName[name]; !ok {
			names = append(names, name)
		}
		byName[name] = append(byName[name], types.ResourceRecord{Value: aws.String(`"` + ch.Validation + `"`)})
	}
	if len(names) == 0 {
		return nil
	}

	var changes []types.Change
	for _, name := range names {
		changes = append(changes, types.Change{
			Action: types.ChangeActionUpsert,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name:            aws.String(name),
				Type:            types.RRTypeTxt,
				TTL:             aws.Int64(ChallengeTTL),
				ResourceRecords: byName[name],
			},
		})
	}
	return p.change(ctx, zoneID, changes)
}

// ClearChallenges deletes every _acme-challenge TXT set under the apex.
func (p *Route53Pusher) ClearChallenges(ctx context.Context, apex string) error {
	zoneID, err := p.zone(apex)
	if err != nil {
		return err
	}
	suffix := "." + strings.TrimSuffix(apex, ".") + "."

	var changes []types.Change
	in := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(zoneID)}
	for {
		out, err := p.r53.ListResourceRecordSets(ctx, in)
		if err != nil {
			return fmt.Errorf("dnspush: list records %s: %w", apex, err)
		}
		for _, rrs := range out.ResourceRecordSets {
			name := aws.ToString(rrs.Name)
			if rrs.Type != types.RRTypeTxt || !strings.HasPrefix(name, "_acme-challenge.") {
				continue
			}
			if name != "_acme-challenge"+suffix && !strings.HasSuffix(name, suffix) {
				continue
			}
			set := rrs
			changes = append(changes, types.Change{Action: types.ChangeActionDelete, ResourceRecordSet: &set})
		}
		if !out.IsTruncated {
			break
		}
		in.StartRecordName = out.NextRecordName
		in.StartRecordType = out.NextRecordType
	}
	if len(changes) == 0 {
		return nil
	}
	return p.change(ctx, zoneID, changes)
}

// PushTLSA parses the TLSA file and upserts one TLSA set per owner name.
func (p *Route53Pusher) PushTLSA(ctx context.Context, apex, tlsaPath string) error {
	zoneID, err := p.zone(apex)
	if err != nil {
		return err
	}
	sets, err := readTLSA(tlsaPath, apex)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	var changes []types.Change
	for _, name := range names {
		changes = append(changes, types.Change{
			Action: types.ChangeActionUpsert,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name:            aws.String(name),
				Type:            rrTypeTLSA,
				TTL:             aws.Int64(tlsaTTL),
				ResourceRecords: sets[name],
			},
		})
	}
	p.Logger.Info("tlsa to route53", zap.String("apex", apex), zap.Int("sets", len(changes)))
	return p.change(ctx, zoneID, changes)
}

// Restart is a no-op: Route 53 changes are live once in sync.
func (p *Route53Pusher) Restart(context.Context, []string) error {
	return nil
}

func (p *Route53Pusher) change(ctx context.Context, zoneID string, changes []types.Change) error {
	out, err := p.r53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch:  &types.ChangeBatch{Changes: changes},
	})
	if err != nil {
		return fmt.Errorf("dnspush: change records: %w", err)
	}
	if out == nil || out.ChangeInfo == nil || out.ChangeInfo.Id == nil {
		return errors.New("dnspush: Route53 returned invalid response: missing ChangeInfo or Id")
	}
	if err := p.wait(ctx, out.ChangeInfo.Id); err != nil {
		p.Logger.Error("Route53 change did not sync",
			zap.String("zone", zoneID),
			zap.String("changeId", aws.ToString(out.ChangeInfo.Id)),
			zap.Error(err))
		return fmt.Errorf("dnspush: waiting for change: %w", err)
	}
	return nil
}

// readTLSA reads TLSA rows from a zone include file, relative names taken
// against apex, grouped by owner name.
func readTLSA(path, apex string) (map[string][]types.ResourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dnspush: open %s: %w", path, err)
	}
	defer f.Close()

	sets := map[string][]types.ResourceRecord{}
	zp := dns.NewZoneParser(f, dns.Fqdn(apex), path)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		t, isTLSA := rr.(*dns.TLSA)
		if !isTLSA {
			continue
		}
		value := fmt.Sprintf("%d %d %d %s", t.Usage, t.Selector, t.MatchingType, t.Certificate)
		sets[t.Hdr.Name] = append(sets[t.Hdr.Name], types.ResourceRecord{Value: aws.String(value)})
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("dnspush: parse %s: %w", path, err)
	}
	return sets, nil
}

const dns01ValueLength = 43

// validateDNS01Value checks a challenge value is a base64url SHA-256 digest.
func validateDNS01Value(value string) error {
	if len(value) != dns01ValueLength {
		return fmt.Errorf("dnspush: challenge value has invalid length %d (expected %d)", len(value), dns01ValueLength)
	}
	for _, c := range value {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("dnspush: invalid character %q in challenge value", c)
		}
	}
	return nil
}

func validateRecordName(name string) error {
	check := strings.TrimSuffix(name, ".")
	if check == "" {
		return errors.New("dnspush: record name cannot be empty")
	}
	if len(check) > 253 {
		return errors.New("dnspush: record name exceeds maximum length of 253 characters")
	}
	for _, c := range check {
		if c < 0x20 || c == 0x7f {
			return errors.New("dnspush: record name contains invalid control character")
		}
	}
	return nil
}
