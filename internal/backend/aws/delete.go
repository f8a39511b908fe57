package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"appstack/internal/backend"
	"appstack/internal/domain"
)

// secretRecoveryDays is the recovery window of secrets deleted under the
// delete policy.
const secretRecoveryDays = 7

// DeleteResource implements backend.Backend.
func (b *Backend) DeleteResource(ctx context.Context, rec domain.ResourceRecord) error {
	if rec.RemovalPolicy == domain.RemovalRetain {
		return nil
	}
	switch rec.Kind {
	case domain.KindInstance:
		return b.deleteInstance(ctx, rec)
	case domain.KindDatabaseCluster:
		return b.deleteCluster(ctx, rec)
	case domain.KindInstanceProfile:
		return b.deleteProfile(ctx, rec)
	default:
		return fmt.Errorf("delete %s: unknown resource kind %q", rec.LogicalID, rec.Kind)
	}
}

func (b *Backend) deleteInstance(ctx context.Context, rec domain.ResourceRecord) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{rec.PhysicalID}})
	if hasCode(err, codeInstanceNotFound) {
		return fmt.Errorf("%w: instance %s", backend.ErrNotFound, rec.PhysicalID)
	}
	if err != nil {
		return fmt.Errorf("terminate %s: %w", rec.LogicalID, err)
	}
	waiter := ec2.NewInstanceTerminatedWaiter(b.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{rec.PhysicalID}}, b.opts.InstanceTimeout); err != nil {
		return fmt.Errorf("wait for %s to terminate: %w", rec.LogicalID, err)
	}
	b.logger.InfoContext(ctx, "terminated instance", "logical_id", rec.LogicalID, "instance_id", rec.PhysicalID)
	return nil
}

// deleteCluster removes the writer instances, the cluster, its subnet group
// and its secret. A missing cluster does not stop the cleanup of the rest.
func (b *Backend) deleteCluster(ctx context.Context, rec domain.ResourceRecord) error {
	destroy := rec.RemovalPolicy == domain.RemovalDestroy
	deleteBackups := destroy
	if v, ok := rec.Attributes[domain.AttrDeleteBackups]; ok {
		deleteBackups = v == "true"
	}

	for _, id := range strings.Split(rec.Attributes[domain.AttrInstanceIDs], ",") {
		if id == "" {
			continue
		}
		if err := b.throttle(ctx); err != nil {
			return err
		}
		_, err := b.rds.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
			DBInstanceIdentifier: aws.String(id),
			SkipFinalSnapshot:    aws.Bool(true),
		})
		var notFound *rdstypes.DBInstanceNotFoundFault
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("delete cluster instance %s: %w", id, err)
		}
	}
	if err := rds.NewDBInstanceDeletedWaiter(b.rds).Wait(ctx, clusterInstancesInput(rec.PhysicalID), b.opts.ClusterTimeout); err != nil {
		return fmt.Errorf("wait for instances of %s: %w", rec.LogicalID, err)
	}

	in := &rds.DeleteDBClusterInput{
		DBClusterIdentifier:    aws.String(rec.PhysicalID),
		SkipFinalSnapshot:      aws.Bool(destroy),
		DeleteAutomatedBackups: aws.Bool(deleteBackups),
	}
	if !destroy {
		in.FinalDBSnapshotIdentifier = aws.String(fmt.Sprintf("%s-final-%d", rec.PhysicalID, time.Now().Unix()))
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	_, err := b.rds.DeleteDBCluster(ctx, in)
	var clusterMissing *rdstypes.DBClusterNotFoundFault
	missing := errors.As(err, &clusterMissing)
	if err != nil && !missing {
		return fmt.Errorf("delete cluster %s: %w", rec.PhysicalID, err)
	}
	if !missing {
		if err := b.waitClusterGone(ctx, rec.PhysicalID); err != nil {
			return err
		}
	}

	if name := rec.Attributes[domain.AttrSubnetGroup]; name != "" {
		if err := b.throttle(ctx); err != nil {
			return err
		}
		_, err := b.rds.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{DBSubnetGroupName: aws.String(name)})
		var notFound *rdstypes.DBSubnetGroupNotFoundFault
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("delete subnet group %s: %w", name, err)
		}
	}

	if arn := rec.Attributes[domain.AttrSecretARN]; arn != "" {
		in := &secretsmanager.DeleteSecretInput{SecretId: aws.String(arn)}
		if destroy {
			in.ForceDeleteWithoutRecovery = aws.Bool(true)
		} else {
			in.RecoveryWindowInDays = aws.Int64(secretRecoveryDays)
		}
		if err := b.throttle(ctx); err != nil {
			return err
		}
		_, err := b.secrets.DeleteSecret(ctx, in)
		var notFound *smtypes.ResourceNotFoundException
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("delete secret of %s: %w", rec.LogicalID, err)
		}
	}

	if missing {
		return fmt.Errorf("%w: cluster %s", backend.ErrNotFound, rec.PhysicalID)
	}
	b.logger.InfoContext(ctx, "deleted database cluster", "logical_id", rec.LogicalID, "cluster", rec.PhysicalID, "final_snapshot", !destroy)
	return nil
}

// waitClusterGone polls until the cluster is no longer described.
func (b *Backend) waitClusterGone(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ClusterTimeout)
	defer cancel()
	for {
		c, err := b.describeCluster(ctx, identifier)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		b.logger.DebugContext(ctx, "waiting for cluster deletion", "cluster", identifier, "status", aws.ToString(c.Status))
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for cluster %s deletion: %w", identifier, ctx.Err())
		case <-time.After(b.opts.PollInterval):
		}
	}
}

func (b *Backend) deleteProfile(ctx context.Context, rec domain.ResourceRecord) error {
	role := rec.Attributes[domain.AttrRoleName]
	if role == "" {
		role = rec.PhysicalID
	}
	profile := rec.Attributes[domain.AttrProfileName]
	if profile == "" {
		profile = role
	}

	if err := b.throttle(ctx); err != nil {
		return err
	}
	if _, err := b.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
		InstanceProfileName: aws.String(profile),
		RoleName:            aws.String(role),
	}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("remove %s from %s: %w", role, profile, err)
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	if _, err := b.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(profile)}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete instance profile %s: %w", profile, err)
	}

	if err := b.throttle(ctx); err != nil {
		return err
	}
	attached, err := b.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(role)})
	if isNoSuchEntity(err) {
		return fmt.Errorf("%w: role %s", backend.ErrNotFound, role)
	}
	if err != nil {
		return fmt.Errorf("list policies of %s: %w", role, err)
	}
	for _, p := range attached.AttachedPolicies {
		if err := b.throttle(ctx); err != nil {
			return err
		}
		if _, err := b.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: p.PolicyArn,
		}); err != nil && !isNoSuchEntity(err) {
			return fmt.Errorf("detach %s from %s: %w", aws.ToString(p.PolicyArn), role, err)
		}
	}
	if err := b.throttle(ctx); err != nil {
		return err
	}
	if _, err := b.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(role)}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete role %s: %w", role, err)
	}
	b.logger.InfoContext(ctx, "deleted instance profile", "logical_id", rec.LogicalID, "role", role)
	return nil
}
