package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/iam"

	"iam-advisor/internal/ratelimit"
)

// limitedIAM waits on the account's token bucket before every call.
type limitedIAM struct {
	next    IAMAPI
	limiter *ratelimit.RateLimiter
	key     string
}

// Limited wraps next so that every call first waits on limiter under key.
func Limited(next IAMAPI, limiter *ratelimit.RateLimiter, key string) IAMAPI {
	return &limitedIAM{next: next, limiter: limiter, key: key}
}

func (l *limitedIAM) ListRoles(ctx context.Context, in *iam.ListRolesInput, opts ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.ListRoles(ctx, in, opts...)
}

func (l *limitedIAM) ListUsers(ctx context.Context, in *iam.ListUsersInput, opts ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.ListUsers(ctx, in, opts...)
}

func (l *limitedIAM) ListPolicies(ctx context.Context, in *iam.ListPoliciesInput, opts ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.ListPolicies(ctx, in, opts...)
}

func (l *limitedIAM) ListGroups(ctx context.Context, in *iam.ListGroupsInput, opts ...func(*iam.Options)) (*iam.ListGroupsOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.ListGroups(ctx, in, opts...)
}

func (l *limitedIAM) GenerateServiceLastAccessedDetails(ctx context.Context, in *iam.GenerateServiceLastAccessedDetailsInput, opts ...func(*iam.Options)) (*iam.GenerateServiceLastAccessedDetailsOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.GenerateServiceLastAccessedDetails(ctx, in, opts...)
}

func (l *limitedIAM) GetServiceLastAccessedDetails(ctx context.Context, in *iam.GetServiceLastAccessedDetailsInput, opts ...func(*iam.Options)) (*iam.GetServiceLastAccessedDetailsOutput, error) {
	if err := l.limiter.Wait(ctx, l.key); err != nil {
		return nil, err
	}
	return l.next.GetServiceLastAccessedDetails(ctx, in, opts...)
}
