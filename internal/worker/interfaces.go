//go:generate mockgen -source interfaces.go -destination ../mocks/mock_worker.go -package mocks

package worker

import (
	"context"

	"iam-advisor/internal/models"
)

// Sink persists the service usage of one identity. Store is called
// concurrently by the result workers.
type Sink interface {
	Store(ctx context.Context, arn string, records []models.ServiceAccessRecord) error
}

// AccountResolver turns operator input into account ids.
type AccountResolver interface {
	All(ctx context.Context) ([]string, error)
	Named(ctx context.Context, tokens []string) ([]string, error)
}

// IdentityEnumerator lists the identity ARNs of an account, calling emit
// once per ARN as it is discovered.
type IdentityEnumerator interface {
	Enumerate(ctx context.Context, accountID string, emit func(arn string)) error
}
