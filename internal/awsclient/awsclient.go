// Package awsclient builds IAM clients scoped to one target account by
// assuming the collector role there, caches them for the life of the process
// and rate limits every call per account.
package awsclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"iam-advisor/internal/config"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/ratelimit"
)

// IAMAPI is the subset of the IAM API used by the collector. *iam.Client
// satisfies it, and so do the SDK paginator client interfaces.
type IAMAPI interface {
	ListRoles(context.Context, *iam.ListRolesInput, ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListUsers(context.Context, *iam.ListUsersInput, ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListPolicies(context.Context, *iam.ListPoliciesInput, ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	ListGroups(context.Context, *iam.ListGroupsInput, ...func(*iam.Options)) (*iam.ListGroupsOutput, error)
	GenerateServiceLastAccessedDetails(context.Context, *iam.GenerateServiceLastAccessedDetailsInput, ...func(*iam.Options)) (*iam.GenerateServiceLastAccessedDetailsOutput, error)
	GetServiceLastAccessedDetails(context.Context, *iam.GetServiceLastAccessedDetailsInput, ...func(*iam.Options)) (*iam.GetServiceLastAccessedDetailsOutput, error)
}

var _ IAMAPI = (*iam.Client)(nil)

// ClientSource hands out an IAM client for a target account.
type ClientSource interface {
	IAM(ctx context.Context, accountID string) (IAMAPI, error)
}

// LoadBaseConfig loads the SDK configuration of the collector itself.
func LoadBaseConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// Factory assumes the configured role in each account it is asked for.
type Factory struct {
	base      aws.Config
	sts       stscreds.AssumeRoleAPIClient
	roleName  string
	partition string
	session   string
	limiter   *ratelimit.RateLimiter
	logger    logger.Logger

	mu      sync.Mutex
	clients map[string]IAMAPI
}

var _ ClientSource = (*Factory)(nil)

// NewFactory returns a Factory that assumes cfg.RoleName from the identity in base.
func NewFactory(base aws.Config, cfg config.AWSConfig, limiter *ratelimit.RateLimiter, log logger.Logger) *Factory {
	return &Factory{
		base:      base,
		sts:       sts.NewFromConfig(base),
		roleName:  cfg.RoleName,
		partition: cfg.ARNPartition,
		session:   cfg.SessionName,
		limiter:   limiter,
		logger:    log,
		clients:   make(map[string]IAMAPI),
	}
}

// RoleARN is the ARN of the collector role inside accountID.
func (f *Factory) RoleARN(accountID string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", f.partition, accountID, f.roleName)
}

// IAM returns the cached client for accountID, creating it on first use.
// Credentials are fetched lazily by the SDK on the first call.
func (f *Factory) IAM(_ context.Context, accountID string) (IAMAPI, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty account id")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[accountID]; ok {
		return c, nil
	}

	roleARN := f.RoleARN(accountID)
	provider := stscreds.NewAssumeRoleProvider(f.sts, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = f.session
	})

	cfg := f.base.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)

	var client IAMAPI = iam.NewFromConfig(cfg)
	if f.limiter != nil {
		client = Limited(client, f.limiter, accountID)
	}
	f.clients[accountID] = client

	f.logger.Debug("created iam client", zap.String("account", accountID), zap.String("role", roleARN))
	return client, nil
}

// AccountFromARN returns the account id field of an ARN.
func AccountFromARN(arn string) (string, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 || parts[0] != "arn" || parts[4] == "" {
		return "", fmt.Errorf("malformed arn %q", arn)
	}
	return parts[4], nil
}
