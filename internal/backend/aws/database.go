package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"appstack/internal/backend"
	"appstack/internal/domain"
	"appstack/internal/provision"
)

// passwordExclude lists characters RDS refuses in master passwords.
const passwordExclude = `/@" `

type masterCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EnsureDatabaseCluster implements backend.Backend.
func (b *Backend) EnsureDatabaseCluster(ctx context.Context, applicationID int, c *domain.DatabaseCluster, placement backend.ClusterPlacement) (domain.ResourceRecord, error) {
	if len(placement.SubnetIDs) < 2 {
		return domain.ResourceRecord{}, fmt.Errorf("cluster %s: a subnet group needs subnets in at least two zones, got %d", c.LogicalID, len(placement.SubnetIDs))
	}
	secretARN, creds, err := b.ensureSecret(ctx, applicationID, c)
	if err != nil {
		return domain.ResourceRecord{}, err
	}
	subnetGroup, err := b.ensureSubnetGroup(ctx, applicationID, c, placement.SubnetIDs)
	if err != nil {
		return domain.ResourceRecord{}, err
	}
	if err := b.ensureCluster(ctx, applicationID, c, subnetGroup, placement.SecurityGroupID, creds); err != nil {
		return domain.ResourceRecord{}, err
	}

	instanceIDs := make([]string, c.InstanceCount)
	for i := range instanceIDs {
		instanceIDs[i] = c.Identifier + "-" + strconv.Itoa(i+1)
		if err := b.ensureClusterInstance(ctx, applicationID, c, instanceIDs[i]); err != nil {
			return domain.ResourceRecord{}, err
		}
	}

	if err := rds.NewDBInstanceAvailableWaiter(b.rds).Wait(ctx, clusterInstancesInput(c.Identifier), b.opts.ClusterTimeout); err != nil {
		return domain.ResourceRecord{}, fmt.Errorf("wait for cluster %s: %w", c.LogicalID, err)
	}
	cluster, err := b.describeCluster(ctx, c.Identifier)
	if err != nil {
		return domain.ResourceRecord{}, err
	}
	if cluster == nil {
		return domain.ResourceRecord{}, fmt.Errorf("cluster %s disappeared while waiting", c.Identifier)
	}

	return domain.ResourceRecord{
		LogicalID:     c.LogicalID,
		Kind:          domain.KindDatabaseCluster,
		PhysicalID:    c.Identifier,
		RemovalPolicy: c.RemovalPolicy,
		Attributes: map[string]string{
			domain.AttrEndpoint:      aws.ToString(cluster.Endpoint),
			domain.AttrPort:          strconv.Itoa(int(aws.ToInt32(cluster.Port))),
			domain.AttrSecretARN:     secretARN,
			domain.AttrSubnetGroup:   subnetGroup,
			domain.AttrInstanceIDs:   strings.Join(instanceIDs, ","),
			domain.AttrDeleteBackups: strconv.FormatBool(c.DeleteAutomatedBackups),
		},
	}, nil
}

// ensureSecret returns the credentials secret of c, creating it with a
// generated password on first use.
func (b *Backend) ensureSecret(ctx context.Context, applicationID int, c *domain.DatabaseCluster) (string, masterCredentials, error) {
	if err := b.throttle(ctx); err != nil {
		return "", masterCredentials{}, err
	}
	got, err := b.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(c.SecretName)})
	if err == nil {
		var creds masterCredentials
		if err := json.Unmarshal([]byte(aws.ToString(got.SecretString)), &creds); err != nil {
			return "", masterCredentials{}, fmt.Errorf("decode secret %s: %w", c.SecretName, err)
		}
		return aws.ToString(got.ARN), creds, nil
	}
	var notFound *smtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return "", masterCredentials{}, fmt.Errorf("get secret %s: %w", c.SecretName, err)
	}

	if err := b.throttle(ctx); err != nil {
		return "", masterCredentials{}, err
	}
	pw, err := b.secrets.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
		PasswordLength:    aws.Int64(provision.SecretLength),
		ExcludeCharacters: aws.String(passwordExclude),
	})
	if err != nil {
		return "", masterCredentials{}, fmt.Errorf("generate password for %s: %w", c.LogicalID, err)
	}
	creds := masterCredentials{Username: c.MasterUsername, Password: aws.ToString(pw.RandomPassword)}
	doc, err := json.Marshal(creds)
	if err != nil {
		return "", masterCredentials{}, err
	}

	var tags []smtypes.Tag
	for k, v := range backend.Tags(applicationID, c.LogicalID) {
		tags = append(tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	if err := b.throttle(ctx); err != nil {
		return "", masterCredentials{}, err
	}
	created, err := b.secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(c.SecretName),
		Description:  aws.String("master credentials of " + c.Identifier),
		SecretString: aws.String(string(doc)),
		Tags:         tags,
	})
	if err != nil {
		return "", masterCredentials{}, fmt.Errorf("create secret %s: %w", c.SecretName, err)
	}
	return aws.ToString(created.ARN), creds, nil
}

func rdsTags(applicationID int, logicalID string) []rdstypes.Tag {
	var tags []rdstypes.Tag
	for k, v := range backend.Tags(applicationID, logicalID) {
		tags = append(tags, rdstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

func (b *Backend) ensureSubnetGroup(ctx context.Context, applicationID int, c *domain.DatabaseCluster, subnetIDs []string) (string, error) {
	name := c.Identifier + "-subnets"
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	_, err := b.rds.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
		DBSubnetGroupName:        aws.String(name),
		DBSubnetGroupDescription: aws.String("subnets of " + c.Identifier),
		SubnetIds:                subnetIDs,
		Tags:                     rdsTags(applicationID, c.LogicalID),
	})
	var exists *rdstypes.DBSubnetGroupAlreadyExistsFault
	if err == nil {
		return name, nil
	}
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("create subnet group %s: %w", name, err)
	}

	// The group predates this run; grown zone counts add subnets to it.
	if err := b.throttle(ctx); err != nil {
		return "", err
	}
	if _, err := b.rds.ModifyDBSubnetGroup(ctx, &rds.ModifyDBSubnetGroupInput{
		DBSubnetGroupName: aws.String(name),
		SubnetIds:         subnetIDs,
	}); err != nil {
		return "", fmt.Errorf("update subnet group %s: %w", name, err)
	}
	return name, nil
}

func (b *Backend) describeCluster(ctx context.Context, identifier string) (*rdstypes.DBCluster, error) {
	if err := b.throttle(ctx); err != nil {
		return nil, err
	}
	out, err := b.rds.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(identifier)})
	var notFound *rdstypes.DBClusterNotFoundFault
	if errors.As(err, &notFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe cluster %s: %w", identifier, err)
	}
	if len(out.DBClusters) == 0 {
		return nil, nil
	}
	return &out.DBClusters[0], nil
}

func (b *Backend) ensureCluster(ctx context.Context, applicationID int, c *domain.DatabaseCluster, subnetGroup, groupID string, creds masterCredentials) error {
	existing, err := b.describeCluster(ctx, c.Identifier)
	if err != nil || existing != nil {
		return err
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err = b.rds.CreateDBCluster(ctx, &rds.CreateDBClusterInput{
		DBClusterIdentifier:   aws.String(c.Identifier),
		Engine:                aws.String(string(c.Engine)),
		EngineVersion:         aws.String(c.EngineVersion),
		DatabaseName:          aws.String(c.DatabaseName),
		Port:                  aws.Int32(int32(c.Port)),
		MasterUsername:        aws.String(creds.Username),
		MasterUserPassword:    aws.String(creds.Password),
		DBSubnetGroupName:     aws.String(subnetGroup),
		VpcSecurityGroupIds:   []string{groupID},
		BackupRetentionPeriod: aws.Int32(int32(c.BackupRetentionDays)),
		Tags:                  rdsTags(applicationID, c.LogicalID),
	})
	if err != nil {
		return fmt.Errorf("create cluster %s: %w", c.Identifier, err)
	}
	b.logger.InfoContext(ctx, "created database cluster", "logical_id", c.LogicalID, "cluster", c.Identifier, "engine", string(c.Engine))
	return nil
}

func (b *Backend) ensureClusterInstance(ctx context.Context, applicationID int, c *domain.DatabaseCluster, identifier string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.rds.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: aws.String(identifier),
		DBInstanceClass:      aws.String(c.InstanceClass),
		Engine:               aws.String(string(c.Engine)),
		DBClusterIdentifier:  aws.String(c.Identifier),
		PubliclyAccessible:   aws.Bool(c.PubliclyAccessible),
		Tags:                 rdsTags(applicationID, c.LogicalID),
	})
	var exists *rdstypes.DBInstanceAlreadyExistsFault
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create cluster instance %s: %w", identifier, err)
	}
	return nil
}

func clusterInstancesInput(identifier string) *rds.DescribeDBInstancesInput {
	return &rds.DescribeDBInstancesInput{
		Filters: []rdstypes.Filter{{Name: aws.String("db-cluster-id"), Values: []string{identifier}}},
	}
}
