package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"appstack/internal/backend"
	"appstack/internal/domain"
)

// EnsureSubnet implements backend.Backend. The subnet and its route table
// are found by tag; missing ones are created and associated.
func (b *Backend) EnsureSubnet(ctx context.Context, applicationID int, vpcID string, s domain.Subnet) (backend.SubnetResult, error) {
	subnetID, err := b.findSubnet(ctx, applicationID, s.LogicalID)
	if err != nil {
		return backend.SubnetResult{}, err
	}
	if subnetID == "" {
		if err := b.throttle(ctx); err != nil {
			return backend.SubnetResult{}, err
		}
		out, err := b.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:             aws.String(vpcID),
			CidrBlock:         aws.String(s.CIDR.String()),
			AvailabilityZone:  aws.String(s.ZoneID),
			TagSpecifications: tagSpecs(ec2types.ResourceTypeSubnet, applicationID, s.LogicalID),
		})
		if err != nil {
			return backend.SubnetResult{}, fmt.Errorf("create subnet %s: %w", s.LogicalID, err)
		}
		subnetID = aws.ToString(out.Subnet.SubnetId)
		b.logger.InfoContext(ctx, "created subnet", "logical_id", s.LogicalID, "subnet_id", subnetID, "cidr", s.CIDR.String())
	}

	if s.MapPublicIPOnLaunch {
		if err := b.throttle(ctx); err != nil {
			return backend.SubnetResult{}, err
		}
		if _, err := b.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(subnetID),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return backend.SubnetResult{}, fmt.Errorf("modify subnet %s: %w", s.LogicalID, err)
		}
	}

	rtbID, err := b.ensureRouteTable(ctx, applicationID, vpcID, s.LogicalID+"RouteTable", subnetID)
	if err != nil {
		return backend.SubnetResult{}, err
	}
	return backend.SubnetResult{SubnetID: subnetID, RouteTableID: rtbID}, nil
}

func (b *Backend) findSubnet(ctx context.Context, applicationID int, logicalID string) (string, error) {
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: ownedFilters(applicationID, logicalID)})
	if err != nil {
		return "", fmt.Errorf("describe subnet %s: %w", logicalID, err)
	}
	if len(out.Subnets) == 0 {
		return "", nil
	}
	return aws.ToString(out.Subnets[0].SubnetId), nil
}

func (b *Backend) ensureRouteTable(ctx context.Context, applicationID int, vpcID, logicalID, subnetID string) (string, error) {
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: ownedFilters(applicationID, logicalID)})
	if err != nil {
		return "", fmt.Errorf("describe route table %s: %w", logicalID, err)
	}
	if len(out.RouteTables) > 0 {
		rt := out.RouteTables[0]
		for _, a := range rt.Associations {
			if aws.ToString(a.SubnetId) == subnetID {
				return aws.ToString(rt.RouteTableId), nil
			}
		}
		return aws.ToString(rt.RouteTableId), b.associate(ctx, aws.ToString(rt.RouteTableId), subnetID)
	}

	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	created, err := b.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpecs(ec2types.ResourceTypeRouteTable, applicationID, logicalID),
	})
	if err != nil {
		return "", fmt.Errorf("create route table %s: %w", logicalID, err)
	}
	id := aws.ToString(created.RouteTable.RouteTableId)
	return id, b.associate(ctx, id, subnetID)
}

func (b *Backend) associate(ctx context.Context, routeTableID, subnetID string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(routeTableID),
		SubnetId:     aws.String(subnetID),
	})
	if err != nil {
		return fmt.Errorf("associate %s with %s: %w", routeTableID, subnetID, err)
	}
	return nil
}

// EnsureRoute implements backend.Backend.
func (b *Backend) EnsureRoute(ctx context.Context, routeTableID string, r domain.Route) error {
	if r.GatewayID == "" {
		return fmt.Errorf("route %s: gateway id is empty", r.LogicalID)
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         aws.String(routeTableID),
		DestinationCidrBlock: aws.String(r.Destination),
		GatewayId:            aws.String(r.GatewayID),
	})
	if err == nil {
		return nil
	}
	if !hasCode(err, codeRouteExists) {
		return fmt.Errorf("create route %s: %w", r.LogicalID, err)
	}

	// The destination is already routed, possibly to a gateway the shared
	// environment no longer exports. Point it at the current one.
	if err := b.throttle(ctx); err != nil {
		return err
	}
	if _, err := b.ec2.ReplaceRoute(ctx, &ec2.ReplaceRouteInput{
		RouteTableId:         aws.String(routeTableID),
		DestinationCidrBlock: aws.String(r.Destination),
		GatewayId:            aws.String(r.GatewayID),
	}); err != nil {
		return fmt.Errorf("replace route %s: %w", r.LogicalID, err)
	}
	return nil
}

// EnsureSecurityGroup implements backend.Backend. Groups are looked up by
// name within the VPC, since group names are unique per VPC.
func (b *Backend) EnsureSecurityGroup(ctx context.Context, applicationID int, g domain.SecurityGroup) (string, error) {
	id, err := b.findGroup(ctx, g)
	if err != nil || id != "" {
		return id, err
	}
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(g.Name),
		Description:       aws.String(g.Description),
		VpcId:             aws.String(g.VpcID),
		TagSpecifications: tagSpecs(ec2types.ResourceTypeSecurityGroup, applicationID, g.LogicalID),
	})
	if hasCode(err, codeGroupDuplicate) {
		return b.findGroup(ctx, g)
	}
	if err != nil {
		return "", fmt.Errorf("create security group %s: %w", g.LogicalID, err)
	}
	b.logger.InfoContext(ctx, "created security group", "logical_id", g.LogicalID, "group_id", aws.ToString(out.GroupId))
	return aws.ToString(out.GroupId), nil
}

func (b *Backend) findGroup(ctx context.Context, g domain.SecurityGroup) (string, error) {
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{g.Name}},
			{Name: aws.String("vpc-id"), Values: []string{g.VpcID}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe security group %s: %w", g.LogicalID, err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

// AuthorizeIngress implements backend.Backend. Rules are sent one per call
// so a duplicate permission does not hide the others in the batch.
func (b *Backend) AuthorizeIngress(ctx context.Context, groupID string, rules []domain.Rule) error {
	for _, r := range rules {
		if err := b.throttle(ctx); err != nil {
			return err
		}
		_, err := b.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []ec2types.IpPermission{permission(r)},
		})
		switch {
		case err == nil, hasCode(err, codePermissionDuplicate):
		case hasCode(err, codeGroupNotFound):
			return fmt.Errorf("%w: %s: %v", backend.ErrUnknownGroup, groupID, err)
		default:
			return fmt.Errorf("authorize %s on %s: %w", r.Key(), groupID, err)
		}
	}
	return nil
}

func permission(r domain.Rule) ec2types.IpPermission {
	p := ec2types.IpPermission{
		IpProtocol: aws.String(r.Protocol),
		FromPort:   aws.Int32(int32(r.FromPort)),
		ToPort:     aws.Int32(int32(r.ToPort)),
	}
	var desc *string
	if r.Description != "" {
		desc = aws.String(r.Description)
	}
	if r.Peer.GroupRef != "" {
		p.UserIdGroupPairs = []ec2types.UserIdGroupPair{{GroupId: aws.String(r.Peer.GroupRef), Description: desc}}
	} else {
		p.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(r.Peer.CIDR), Description: desc}}
	}
	return p
}

// EnsureKeyPair implements backend.Backend.
func (b *Backend) EnsureKeyPair(ctx context.Context, name string, publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("key pair %s: empty public key", name)
	}
	id, err := b.findKeyPair(ctx, name)
	if err != nil || id != "" {
		return id, err
	}
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: publicKey,
	})
	if hasCode(err, codeKeyPairDuplicate) {
		return b.findKeyPair(ctx, name)
	}
	if err != nil {
		return "", fmt.Errorf("import key pair %s: %w", name, err)
	}
	return aws.ToString(out.KeyPairId), nil
}

func (b *Backend) findKeyPair(ctx context.Context, name string) (string, error) {
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if hasCode(err, codeKeyPairNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("describe key pair %s: %w", name, err)
	}
	if len(out.KeyPairs) == 0 {
		return "", nil
	}
	return aws.ToString(out.KeyPairs[0].KeyPairId), nil
}
