// Package provision declares the optional compute and database resources of
// an application from its feature flags.
//
// The provisioner only declares: it returns resource descriptions and output
// records whose backend-assigned values are placeholders (see output.Ref).
// The composer realises the resources and resolves the placeholders.
package provision

import (
	"fmt"

	"appstack/internal/domain"
	"appstack/internal/images"
	"appstack/internal/keypair"
	"appstack/internal/output"
	"appstack/internal/validation"
)

// Instance defaults.
const (
	DefaultInstanceType = "t3a.micro"
	RootDeviceName      = "/dev/sda1"
	RootVolumeSizeGiB   = 8
	RootVolumeType      = "gp2"

	// ProfileLogicalID names the optional privileged instance role.
	ProfileLogicalID = "DeployerRole"
	// AdministratorAccessARN is the managed policy attached to the
	// privileged role.
	AdministratorAccessARN = "arn:aws:iam::aws:policy/AdministratorAccess"
)

// Options configures a Provisioner.
type Options struct {
	// OS selects the image table row; empty means images.DefaultOS.
	OS   string
	Arch string
	// KeyName is the stack key pair; empty means keypair.DefaultName.
	KeyName      string
	InstanceType string
	// PrivilegedRole attaches an AdministratorAccess role to instances.
	PrivilegedRole bool
	// Images overrides the embedded image table.
	Images *images.Table
}

// Result is everything the provisioner declared for one run.
type Result struct {
	Resources []domain.ProvisionedResource
	Outputs   []domain.OutputRecord
}

// Instances returns the declared instances.
func (r Result) Instances() []*domain.Instance {
	var out []*domain.Instance
	for _, res := range r.Resources {
		if i, ok := res.(*domain.Instance); ok {
			out = append(out, i)
		}
	}
	return out
}

// Clusters returns the declared database clusters.
func (r Result) Clusters() []*domain.DatabaseCluster {
	var out []*domain.DatabaseCluster
	for _, res := range r.Resources {
		if c, ok := res.(*domain.DatabaseCluster); ok {
			out = append(out, c)
		}
	}
	return out
}

// Provisioner declares resources.
type Provisioner struct {
	opts   Options
	images *images.Table
}

// New creates a Provisioner, filling defaults.
func New(opts Options) *Provisioner {
	if opts.KeyName == "" {
		opts.KeyName = keypair.DefaultName
	}
	if opts.InstanceType == "" {
		opts.InstanceType = DefaultInstanceType
	}
	tbl := opts.Images
	if tbl == nil {
		tbl = images.Default()
	}
	return &Provisioner{opts: opts, images: tbl}
}

// KeyName returns the key pair every instance uses.
func (p *Provisioner) KeyName() string { return p.opts.KeyName }

// Provision declares the resources enabled by flags. Each flag is
// independent: enabling one engine never adds or alters resources of the
// other. An instanceCount of zero or less declares no instances.
func (p *Provisioner) Provision(flags domain.FeatureFlags, plan domain.SubnetPlan, graph domain.SecurityGraph, instanceCount int) (Result, error) {
	var res Result
	groupID := graph.AppGroup.LogicalID
	if groupID == "" {
		return Result{}, &validation.ConfigError{Field: "security group", Value: `""`, Reason: "application group is not declared", Err: validation.ErrEmptyValue}
	}

	if flags.Instances && instanceCount > 0 {
		if err := p.instances(&res, plan, groupID, instanceCount); err != nil {
			return Result{}, err
		}
	}
	for _, eng := range engineTable() {
		if !eng.enabled(flags) {
			continue
		}
		cluster := eng.cluster(plan, groupID)
		res.Resources = append(res.Resources, cluster)
		res.Outputs = append(res.Outputs, domain.OutputRecord{
			Label: eng.outputLabel,
			Value: output.Ref(cluster.LogicalID, domain.AttrEndpoint),
		})
	}
	return res, nil
}

func (p *Provisioner) instances(res *Result, plan domain.SubnetPlan, groupID string, count int) error {
	if len(plan.Subnets) == 0 {
		return &validation.ConfigError{Field: "subnet plan", Value: 0, Reason: "instances need at least one subnet", Err: validation.ErrOutOfRange}
	}
	img, err := p.images.Resolve(p.opts.OS, p.opts.Arch)
	if err != nil {
		return err
	}

	var profileID string
	if p.opts.PrivilegedRole {
		profile := &domain.InstanceProfile{
			LogicalID:         ProfileLogicalID,
			RoleName:          fmt.Sprintf("appstack-%d-deployer", plan.ApplicationID),
			ManagedPolicyARNs: []string{AdministratorAccessARN},
			RemovalPolicy:     domain.RemovalDelete,
		}
		res.Resources = append(res.Resources, profile)
		profileID = profile.LogicalID
	}

	for i := 0; i < count; i++ {
		subnet := plan.Subnets[i%len(plan.Subnets)]
		inst := &domain.Instance{
			LogicalID:              InstanceLogicalID(i),
			Index:                  i,
			InstanceType:           p.opts.InstanceType,
			ImageID:                img.ImageID,
			SSHUser:                img.User,
			KeyName:                p.opts.KeyName,
			SubnetLogicalID:        subnet.LogicalID,
			SecurityGroupLogicalID: groupID,
			RootVolume: domain.BlockDevice{
				DeviceName:          RootDeviceName,
				SizeGiB:             RootVolumeSizeGiB,
				VolumeType:          RootVolumeType,
				Encrypted:           true,
				DeleteOnTermination: true,
			},
			ProfileLogicalID: profileID,
			RemovalPolicy:    domain.RemovalDelete,
		}
		res.Resources = append(res.Resources, inst)
		res.Outputs = append(res.Outputs, domain.OutputRecord{
			Label: fmt.Sprintf("SSH%d", i),
			Value: fmt.Sprintf("ssh -i %s %s@%s", keypair.FileName(p.opts.KeyName), img.User, output.Ref(inst.LogicalID, domain.AttrPublicIP)),
		})
	}
	return nil
}

// InstanceLogicalID names instance i.
func InstanceLogicalID(i int) string {
	return fmt.Sprintf("DevInstance0%d", i)
}
