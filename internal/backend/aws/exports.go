package aws

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"appstack/internal/importer"
)

// ExportLookup resolves CloudFormation stack exports of the deploying
// region. All exports are listed once and cached for the lifetime of the
// lookup.
type ExportLookup struct {
	client cloudformation.ListExportsAPIClient

	once    sync.Once
	exports map[string]string
	err     error
}

var _ importer.ExportLookup = (*ExportLookup)(nil)

// NewExportLookup creates a lookup backed by client.
func NewExportLookup(client cloudformation.ListExportsAPIClient) *ExportLookup {
	return &ExportLookup{client: client}
}

// LookupExport implements importer.ExportLookup.
func (l *ExportLookup) LookupExport(ctx context.Context, name string) (string, error) {
	l.once.Do(func() { l.exports, l.err = l.list(ctx) })
	if l.err != nil {
		return "", l.err
	}
	v, ok := l.exports[name]
	if !ok {
		return "", importer.ErrNotFound
	}
	return v, nil
}

func (l *ExportLookup) list(ctx context.Context) (map[string]string, error) {
	exports := make(map[string]string)
	p := cloudformation.NewListExportsPaginator(l.client, &cloudformation.ListExportsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list exports: %w", err)
		}
		for _, e := range page.Exports {
			exports[aws.ToString(e.Name)] = aws.ToString(e.Value)
		}
	}
	return exports, nil
}

// NetworkInspector reads zones and VPC ranges from EC2.
type NetworkInspector struct {
	client EC2API
}

var _ importer.NetworkInspector = (*NetworkInspector)(nil)

// NewNetworkInspector creates an inspector backed by client.
func NewNetworkInspector(client EC2API) *NetworkInspector {
	return &NetworkInspector{client: client}
}

// AvailabilityZones returns the available zones of the region sorted by
// name, so zone indexes are stable between runs.
func (n *NetworkInspector) AvailabilityZones(ctx context.Context) ([]string, error) {
	out, err := n.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("zone-type"), Values: []string{"availability-zone"}},
		},
	})
	if err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(z.ZoneName))
	}
	sort.Strings(zones)
	return zones, nil
}

// VpcCIDR returns the primary IPv4 range of vpcID.
func (n *NetworkInspector) VpcCIDR(ctx context.Context, vpcID string) (netip.Prefix, error) {
	out, err := n.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
	if err != nil {
		return netip.Prefix{}, err
	}
	if len(out.Vpcs) == 0 {
		return netip.Prefix{}, fmt.Errorf("vpc %s not found", vpcID)
	}
	p, err := netip.ParsePrefix(aws.ToString(out.Vpcs[0].CidrBlock))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("vpc %s: %w", vpcID, err)
	}
	return p, nil
}
