package discovery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"go.uber.org/zap"

	"iam-advisor/internal/awsclient"
	"iam-advisor/internal/logger"
)

// Enumerator lists the identities of an account.
type Enumerator struct {
	clients awsclient.ClientSource
	logger  logger.Logger
}

func NewEnumerator(clients awsclient.ClientSource, log logger.Logger) *Enumerator {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Enumerator{clients: clients, logger: log}
}

// Enumerate calls emit for every role, user, customer managed policy and
// group ARN in accountID, as each page arrives. Every listing is read to its
// last page.
func (e *Enumerator) Enumerate(ctx context.Context, accountID string, emit func(arn string)) error {
	client, err := e.clients.IAM(ctx, accountID)
	if err != nil {
		return fmt.Errorf("iam client for %s: %w", accountID, err)
	}

	var n int
	count := func(arn *string) {
		if s := aws.ToString(arn); s != "" {
			n++
			emit(s)
		}
	}

	roles := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for roles.HasMorePages() {
		page, err := roles.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list roles in %s: %w", accountID, err)
		}
		for _, r := range page.Roles {
			count(r.Arn)
		}
	}

	users := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
	for users.HasMorePages() {
		page, err := users.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list users in %s: %w", accountID, err)
		}
		for _, u := range page.Users {
			count(u.Arn)
		}
	}

	policies := iam.NewListPoliciesPaginator(client, &iam.ListPoliciesInput{Scope: types.PolicyScopeTypeLocal})
	for policies.HasMorePages() {
		page, err := policies.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list policies in %s: %w", accountID, err)
		}
		for _, p := range page.Policies {
			count(p.Arn)
		}
	}

	groups := iam.NewListGroupsPaginator(client, &iam.ListGroupsInput{})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list groups in %s: %w", accountID, err)
		}
		for _, g := range page.Groups {
			count(g.Arn)
		}
	}

	e.logger.Info("enumerated account", zap.String("account", accountID), zap.Int("arns", n))
	return nil
}
