//go:generate mockgen -source accounts.go -destination ../mocks/mock_directory.go -package mocks AccountDirectory

// Package discovery turns operator input into the accounts and identities a
// run has to visit.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
)

// AllAccounts, given as a named token, selects every account in the directory.
const AllAccounts = "all"

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// IsAccountID reports whether s is a canonical 12 digit account id.
func IsAccountID(s string) bool {
	return accountIDPattern.MatchString(s)
}

// AccountDirectory is the account listing the resolver reads from.
type AccountDirectory interface {
	ListAll(ctx context.Context, filter string) ([]models.Account, error)
	ServiceEnabled(requirement string, accounts []models.Account) []models.Account
}

// Resolver maps account names, aliases and ids to account ids.
type Resolver struct {
	directory   AccountDirectory
	filter      string
	requirement string
	logger      logger.Logger
}

type ResolverOption func(*Resolver)

// WithFilter sets the JMESPath expression applied when listing every account.
func WithFilter(filter string) ResolverOption {
	return func(r *Resolver) {
		r.filter = filter
	}
}

// WithServiceRequirement keeps only accounts where the named service is
// enabled when listing every account.
func WithServiceRequirement(name string) ResolverOption {
	return func(r *Resolver) {
		r.requirement = name
	}
}

func WithResolverLogger(l logger.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

func NewResolver(directory AccountDirectory, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		directory: directory,
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// All returns the id of every account in the directory, narrowed by the
// configured filter and service requirement.
func (r *Resolver) All(ctx context.Context) ([]string, error) {
	accounts, err := r.directory.ListAll(ctx, r.filter)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts = r.directory.ServiceEnabled(r.requirement, accounts)

	ids := make([]string, 0, len(accounts))
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		ids = appendUnique(ids, seen, a.ID)
	}
	r.logger.Info("resolved all accounts", zap.Int("accounts", len(ids)))
	return ids, nil
}

// Named resolves each token to an account id. Tokens that already are
// account ids pass through; other tokens must equal an account name or
// alias exactly. Tokens that match nothing are logged and dropped.
// The directory is only consulted when some token needs it.
func (r *Resolver) Named(ctx context.Context, tokens []string) ([]string, error) {
	var lookup bool
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == AllAccounts {
			return r.All(ctx)
		}
		if tok != "" && !IsAccountID(tok) {
			lookup = true
		}
	}

	var accounts []models.Account
	if lookup {
		var err error
		accounts, err = r.directory.ListAll(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
	}

	ids := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
		case IsAccountID(tok):
			ids = appendUnique(ids, seen, tok)
		default:
			id, ok := match(accounts, tok)
			if !ok {
				r.logger.Warn("no account matches name", zap.String("account", tok))
				continue
			}
			ids = appendUnique(ids, seen, id)
		}
	}
	return ids, nil
}

func match(accounts []models.Account, token string) (string, bool) {
	for _, a := range accounts {
		if a.Name == token {
			return a.ID, true
		}
		for _, alias := range a.AllAliases() {
			if alias == token {
				return a.ID, true
			}
		}
	}
	return "", false
}

func appendUnique(ids []string, seen map[string]struct{}, id string) []string {
	if _, ok := seen[id]; ok {
		return ids
	}
	seen[id] = struct{}{}
	return append(ids, id)
}
