// Package awsclienttest provides an in-memory IAM API for tests.
package awsclienttest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"iam-advisor/internal/awsclient"
)

// FakeIAM serves listings from pages of ARNs and access advisor jobs from
// caller supplied functions. Unset functions fail the call.
type FakeIAM struct {
	RolePages   [][]string
	UserPages   [][]string
	PolicyPages [][]string
	GroupPages  [][]string

	// ListErr, when set, is returned by every list call.
	ListErr error

	Generate func(arn string) (string, error)
	Details  func(jobID, marker string) (*iam.GetServiceLastAccessedDetailsOutput, error)

	mu           sync.Mutex
	calls        map[string]int
	policyScopes []types.PolicyScopeType
}

var _ awsclient.IAMAPI = (*FakeIAM)(nil)

func (f *FakeIAM) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *FakeIAM) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// PolicyScopes returns the Scope argument of every ListPolicies call.
func (f *FakeIAM) PolicyScopes() []types.PolicyScopeType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PolicyScopeType(nil), f.policyScopes...)
}

// page returns the ARNs of the page selected by marker plus the next marker.
func page(pages [][]string, marker *string) ([]string, bool, *string, error) {
	idx := 0
	if marker != nil {
		n, err := strconv.Atoi(*marker)
		if err != nil {
			return nil, false, nil, fmt.Errorf("bad marker %q", *marker)
		}
		idx = n
	}
	if idx >= len(pages) {
		return nil, false, nil, nil
	}
	if idx+1 < len(pages) {
		return pages[idx], true, aws.String(strconv.Itoa(idx + 1)), nil
	}
	return pages[idx], false, nil, nil
}

func (f *FakeIAM) ListRoles(_ context.Context, in *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	f.record("ListRoles")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	arns, truncated, next, err := page(f.RolePages, in.Marker)
	if err != nil {
		return nil, err
	}
	out := &iam.ListRolesOutput{IsTruncated: truncated, Marker: next}
	for _, arn := range arns {
		out.Roles = append(out.Roles, types.Role{Arn: aws.String(arn)})
	}
	return out, nil
}

func (f *FakeIAM) ListUsers(_ context.Context, in *iam.ListUsersInput, _ ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	f.record("ListUsers")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	arns, truncated, next, err := page(f.UserPages, in.Marker)
	if err != nil {
		return nil, err
	}
	out := &iam.ListUsersOutput{IsTruncated: truncated, Marker: next}
	for _, arn := range arns {
		out.Users = append(out.Users, types.User{Arn: aws.String(arn)})
	}
	return out, nil
}

func (f *FakeIAM) ListPolicies(_ context.Context, in *iam.ListPoliciesInput, _ ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	f.record("ListPolicies")
	f.mu.Lock()
	f.policyScopes = append(f.policyScopes, in.Scope)
	f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	arns, truncated, next, err := page(f.PolicyPages, in.Marker)
	if err != nil {
		return nil, err
	}
	out := &iam.ListPoliciesOutput{IsTruncated: truncated, Marker: next}
	for _, arn := range arns {
		out.Policies = append(out.Policies, types.Policy{Arn: aws.String(arn)})
	}
	return out, nil
}

func (f *FakeIAM) ListGroups(_ context.Context, in *iam.ListGroupsInput, _ ...func(*iam.Options)) (*iam.ListGroupsOutput, error) {
	f.record("ListGroups")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	arns, truncated, next, err := page(f.GroupPages, in.Marker)
	if err != nil {
		return nil, err
	}
	out := &iam.ListGroupsOutput{IsTruncated: truncated, Marker: next}
	for _, arn := range arns {
		out.Groups = append(out.Groups, types.Group{Arn: aws.String(arn)})
	}
	return out, nil
}

func (f *FakeIAM) GenerateServiceLastAccessedDetails(_ context.Context, in *iam.GenerateServiceLastAccessedDetailsInput, _ ...func(*iam.Options)) (*iam.GenerateServiceLastAccessedDetailsOutput, error) {
	f.record("GenerateServiceLastAccessedDetails")
	if f.Generate == nil {
		return nil, fmt.Errorf("unexpected GenerateServiceLastAccessedDetails for %s", aws.ToString(in.Arn))
	}
	jobID, err := f.Generate(aws.ToString(in.Arn))
	if err != nil {
		return nil, err
	}
	return &iam.GenerateServiceLastAccessedDetailsOutput{JobId: aws.String(jobID)}, nil
}

func (f *FakeIAM) GetServiceLastAccessedDetails(_ context.Context, in *iam.GetServiceLastAccessedDetailsInput, _ ...func(*iam.Options)) (*iam.GetServiceLastAccessedDetailsOutput, error) {
	f.record("GetServiceLastAccessedDetails")
	if f.Details == nil {
		return nil, fmt.Errorf("unexpected GetServiceLastAccessedDetails for %s", aws.ToString(in.JobId))
	}
	return f.Details(aws.ToString(in.JobId), aws.ToString(in.Marker))
}

// Source hands out the same FakeIAM for every account and records the
// accounts asked for.
type Source struct {
	Client *FakeIAM
	Err    error

	mu       sync.Mutex
	accounts []string
}

var _ awsclient.ClientSource = (*Source)(nil)

func (s *Source) IAM(_ context.Context, accountID string) (awsclient.IAMAPI, error) {
	s.mu.Lock()
	s.accounts = append(s.accounts, accountID)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Client, nil
}

// Accounts returns every account id passed to IAM, in call order.
func (s *Source) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accounts...)
}
