package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"appstack/internal/backend"
	"appstack/internal/domain"
)

const ec2TrustPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}

func iamTags(applicationID int, logicalID string) []iamtypes.Tag {
	var tags []iamtypes.Tag
	for k, v := range backend.Tags(applicationID, logicalID) {
		tags = append(tags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

// EnsureInstanceProfile implements backend.Backend. The role and the
// instance profile share the role name.
func (b *Backend) EnsureInstanceProfile(ctx context.Context, applicationID int, p *domain.InstanceProfile) (domain.ResourceRecord, error) {
	if err := b.ensureRole(ctx, applicationID, p); err != nil {
		return domain.ResourceRecord{}, err
	}
	for _, arn := range p.ManagedPolicyARNs {
		if err := b.throttle(ctx); err != nil {
			return domain.ResourceRecord{}, err
		}
		if _, err := b.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(p.RoleName),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return domain.ResourceRecord{}, fmt.Errorf("attach %s to %s: %w", arn, p.RoleName, err)
		}
	}

	if err := b.throttle(ctx); err != nil {
		return domain.ResourceRecord{}, err
	}
	out, err := b.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(p.RoleName)})
	var profile *iamtypes.InstanceProfile
	switch {
	case err == nil:
		profile = out.InstanceProfile
	case isNoSuchEntity(err):
		if err := b.throttle(ctx); err != nil {
			return domain.ResourceRecord{}, err
		}
		created, err := b.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(p.RoleName),
			Tags:                iamTags(applicationID, p.LogicalID),
		})
		if err != nil {
			return domain.ResourceRecord{}, fmt.Errorf("create instance profile %s: %w", p.RoleName, err)
		}
		profile = created.InstanceProfile
	default:
		return domain.ResourceRecord{}, fmt.Errorf("get instance profile %s: %w", p.RoleName, err)
	}

	if profile == nil || len(profile.Roles) == 0 {
		if err := b.throttle(ctx); err != nil {
			return domain.ResourceRecord{}, err
		}
		if _, err := b.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(p.RoleName),
			RoleName:            aws.String(p.RoleName),
		}); err != nil {
			return domain.ResourceRecord{}, fmt.Errorf("add role to instance profile %s: %w", p.RoleName, err)
		}
	}

	waiter := iam.NewInstanceProfileExistsWaiter(b.iam)
	if err := waiter.Wait(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(p.RoleName)}, b.opts.InstanceTimeout); err != nil {
		return domain.ResourceRecord{}, fmt.Errorf("wait for instance profile %s: %w", p.RoleName, err)
	}

	return domain.ResourceRecord{
		LogicalID:     p.LogicalID,
		Kind:          domain.KindInstanceProfile,
		PhysicalID:    p.RoleName,
		RemovalPolicy: p.RemovalPolicy,
		Attributes: map[string]string{
			domain.AttrRoleName:    p.RoleName,
			domain.AttrProfileName: p.RoleName,
		},
	}, nil
}

func (b *Backend) ensureRole(ctx context.Context, applicationID int, p *domain.InstanceProfile) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(p.RoleName)})
	if err == nil {
		return nil
	}
	if !isNoSuchEntity(err) {
		return fmt.Errorf("get role %s: %w", p.RoleName, err)
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	if _, err := b.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(p.RoleName),
		AssumeRolePolicyDocument: aws.String(ec2TrustPolicy),
		Tags:                     iamTags(applicationID, p.LogicalID),
	}); err != nil {
		return fmt.Errorf("create role %s: %w", p.RoleName, err)
	}
	b.logger.InfoContext(ctx, "created role", "logical_id", p.LogicalID, "role", p.RoleName)
	return nil
}

// liveInstanceStates are the states in which an instance still counts as
// the realisation of its logical id.
var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

// EnsureInstance implements backend.Backend.
func (b *Backend) EnsureInstance(ctx context.Context, applicationID int, inst *domain.Instance, placement backend.InstancePlacement) (domain.ResourceRecord, error) {
	id, err := b.findInstance(ctx, applicationID, inst.LogicalID)
	if err != nil {
		return domain.ResourceRecord{}, err
	}
	if id == "" {
		id, err = b.runInstance(ctx, applicationID, inst, placement)
		if err != nil {
			return domain.ResourceRecord{}, err
		}
	}

	waiter := ec2.NewInstanceRunningWaiter(b.ec2)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.opts.InstanceTimeout)
	if err != nil {
		return domain.ResourceRecord{}, fmt.Errorf("wait for instance %s: %w", inst.LogicalID, err)
	}
	var publicIP string
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == id {
				publicIP = aws.ToString(i.PublicIpAddress)
			}
		}
	}
	if publicIP == "" {
		return domain.ResourceRecord{}, fmt.Errorf("instance %s (%s) has no public address", inst.LogicalID, id)
	}

	return domain.ResourceRecord{
		LogicalID:     inst.LogicalID,
		Kind:          domain.KindInstance,
		PhysicalID:    id,
		RemovalPolicy: inst.RemovalPolicy,
		Attributes:    map[string]string{domain.AttrPublicIP: publicIP},
	}, nil
}

func (b *Backend) findInstance(ctx context.Context, applicationID int, logicalID string) (string, error) {
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	filters := append(ownedFilters(applicationID, logicalID),
		ec2types.Filter{Name: aws.String("instance-state-name"), Values: liveInstanceStates})
	out, err := b.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return "", fmt.Errorf("describe instance %s: %w", logicalID, err)
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return aws.ToString(r.Instances[0].InstanceId), nil
		}
	}
	return "", nil
}

func (b *Backend) runInstance(ctx context.Context, applicationID int, inst *domain.Instance, placement backend.InstancePlacement) (string, error) {
	vol := inst.RootVolume
	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(inst.ImageID),
		InstanceType:     ec2types.InstanceType(inst.InstanceType),
		KeyName:          aws.String(inst.KeyName),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(placement.SubnetID),
		SecurityGroupIds: []string{placement.SecurityGroupID},
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String(vol.DeviceName),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(vol.SizeGiB)),
				VolumeType:          ec2types.VolumeType(vol.VolumeType),
				Encrypted:           aws.Bool(vol.Encrypted),
				DeleteOnTermination: aws.Bool(vol.DeleteOnTermination),
			},
		}},
		TagSpecifications: append(
			tagSpecs(ec2types.ResourceTypeInstance, applicationID, inst.LogicalID),
			tagSpecs(ec2types.ResourceTypeVolume, applicationID, inst.LogicalID)...),
	}
	if placement.ProfileName != "" {
		in.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(placement.ProfileName)}
	}
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	out, err := b.ec2.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instance %s: %w", inst.LogicalID, err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instance %s: no instance returned", inst.LogicalID)
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	b.logger.InfoContext(ctx, "launched instance",
		"logical_id", inst.LogicalID, "instance_id", id, "index", inst.Index)
	return id, nil
}
