package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// SessionOptions selects the account and region the backend talks to.
type SessionOptions struct {
	Region  string
	Profile string
	// RoleARN, when set, is assumed on top of the default credential chain.
	RoleARN     string
	ExternalID  string
	SessionName string
}

// LoadConfig builds an aws.Config from the default credential chain,
// optionally assuming opts.RoleARN.
func LoadConfig(ctx context.Context, opts SessionOptions) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if opts.RoleARN != "" {
		cfg.Credentials = aws.NewCredentialsCache(AssumeRole(cfg, opts.RoleARN, opts.ExternalID, opts.SessionName))
	}
	return cfg, nil
}

// AssumeRole returns a credentials provider that assumes roleARN using the
// credentials in cfg.
func AssumeRole(cfg aws.Config, roleARN, externalID, sessionName string) aws.CredentialsProvider {
	stsClient := sts.NewFromConfig(cfg)

	var opts []func(*stscreds.AssumeRoleOptions)
	if externalID != "" {
		opts = append(opts, func(o *stscreds.AssumeRoleOptions) {
			o.ExternalID = &externalID
		})
	}
	if sessionName != "" {
		opts = append(opts, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
		})
	}

	return stscreds.NewAssumeRoleProvider(stsClient, roleARN, opts...)
}
