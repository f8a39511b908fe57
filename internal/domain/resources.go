package domain

// ResourceKind identifies the variant of a provisioned resource.
type ResourceKind string

const (
	KindInstance        ResourceKind = "instance"
	KindDatabaseCluster ResourceKind = "database_cluster"
	KindInstanceProfile ResourceKind = "instance_profile"
)

// RemovalPolicy governs what happens to a resource once it leaves the
// declared plan.
type RemovalPolicy string

const (
	// RemovalRetain leaves the resource in place.
	RemovalRetain RemovalPolicy = "retain"
	// RemovalDelete uses the provider's default lifecycle.
	RemovalDelete RemovalPolicy = "delete"
	// RemovalDestroy deletes the resource and its data, without a final
	// snapshot.
	RemovalDestroy RemovalPolicy = "destroy"
)

// ProvisionedResource is implemented by *Instance, *DatabaseCluster and
// *InstanceProfile.
type ProvisionedResource interface {
	LogicalName() string
	Kind() ResourceKind
	Removal() RemovalPolicy
}

// BlockDevice describes an EBS volume attached at launch.
type BlockDevice struct {
	DeviceName          string `json:"device_name"`
	SizeGiB             int    `json:"size_gib"`
	VolumeType          string `json:"volume_type"`
	Encrypted           bool   `json:"encrypted"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// Instance is a development compute instance.
type Instance struct {
	LogicalID              string        `json:"logical_id"`
	Index                  int           `json:"index"`
	InstanceType           string        `json:"instance_type"`
	ImageID                string        `json:"image_id"`
	SSHUser                string        `json:"ssh_user"`
	KeyName                string        `json:"key_name"`
	SubnetLogicalID        string        `json:"subnet_logical_id"`
	SecurityGroupLogicalID string        `json:"security_group_logical_id"`
	RootVolume             BlockDevice   `json:"root_volume"`
	ProfileLogicalID       string        `json:"profile_logical_id,omitempty"`
	RemovalPolicy          RemovalPolicy `json:"removal_policy"`
}

func (i *Instance) LogicalName() string    { return i.LogicalID }
func (i *Instance) Kind() ResourceKind     { return KindInstance }
func (i *Instance) Removal() RemovalPolicy { return i.RemovalPolicy }

// DatabaseEngine is the managed engine family of a cluster.
type DatabaseEngine string

const (
	EngineAuroraMySQL      DatabaseEngine = "aurora-mysql"
	EngineAuroraPostgreSQL DatabaseEngine = "aurora-postgresql"
)

// DatabaseCluster is a managed database cluster with its writer instances.
type DatabaseCluster struct {
	LogicalID              string         `json:"logical_id"`
	Identifier             string         `json:"identifier"`
	Engine                 DatabaseEngine `json:"engine"`
	EngineVersion          string         `json:"engine_version"`
	DatabaseName           string         `json:"database_name"`
	Port                   int            `json:"port"`
	InstanceClass          string         `json:"instance_class"`
	InstanceCount          int            `json:"instance_count"`
	MasterUsername         string         `json:"master_username"`
	SecretName             string         `json:"secret_name"`
	SubnetLogicalIDs       []string       `json:"subnet_logical_ids"`
	SecurityGroupLogicalID string         `json:"security_group_logical_id"`
	PubliclyAccessible     bool           `json:"publicly_accessible"`
	DeleteAutomatedBackups bool           `json:"delete_automated_backups"`
	BackupRetentionDays    int            `json:"backup_retention_days"`
	RemovalPolicy          RemovalPolicy  `json:"removal_policy"`
}

func (c *DatabaseCluster) LogicalName() string    { return c.LogicalID }
func (c *DatabaseCluster) Kind() ResourceKind     { return KindDatabaseCluster }
func (c *DatabaseCluster) Removal() RemovalPolicy { return c.RemovalPolicy }

// InstanceProfile is the optional privileged role attached to instances.
type InstanceProfile struct {
	LogicalID         string        `json:"logical_id"`
	RoleName          string        `json:"role_name"`
	ManagedPolicyARNs []string      `json:"managed_policy_arns"`
	RemovalPolicy     RemovalPolicy `json:"removal_policy"`
}

func (p *InstanceProfile) LogicalName() string    { return p.LogicalID }
func (p *InstanceProfile) Kind() ResourceKind     { return KindInstanceProfile }
func (p *InstanceProfile) Removal() RemovalPolicy { return p.RemovalPolicy }

// Attribute names recorded on realised resources and referenced by output
// placeholders.
const (
	AttrPublicIP    = "PublicIp"
	AttrEndpoint    = "Endpoint"
	AttrPort        = "Port"
	AttrSecretARN   = "SecretArn"
	AttrSubnetGroup = "SubnetGroup"
	AttrInstanceIDs = "InstanceIds"
	AttrRoleName    = "RoleName"
	AttrProfileName = "ProfileName"

	// AttrDeleteBackups records whether deleting a cluster also drops its
	// automated backups ("true" or "false").
	AttrDeleteBackups = "DeleteAutomatedBackups"
)
