package awsclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/stretchr/testify/require"

	"iam-advisor/internal/awsclient"
	"iam-advisor/internal/awsclient/awsclienttest"
	"iam-advisor/internal/config"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/ratelimit"
)

func TestAccountFromARN(t *testing.T) {
	tests := map[string]string{
		"arn:aws:iam::123456789012:role/roleName":            "123456789012",
		"arn:aws:iam::123456789012:role/thisIsAPath/roleName": "123456789012",
		"arn:aws:iam::223456789012:policy/policyName":         "223456789012",
		"arn:aws:iam::323456789012:user/userName":             "323456789012",
		"arn:aws-us-gov:iam::423456789012:group/admins":       "423456789012",
	}
	for arn, want := range tests {
		got, err := awsclient.AccountFromARN(arn)
		require.NoError(t, err)
		require.Equal(t, want, got, arn)
	}

	for _, bad := range []string{"", "not-an-arn", "arn:aws:iam:::role/x", "arn:aws:iam"} {
		_, err := awsclient.AccountFromARN(bad)
		require.Error(t, err, bad)
	}
}

func TestFactoryCachesPerAccount(t *testing.T) {
	base := aws.Config{Region: "us-east-1"}
	cfg := config.Default().AWS
	f := awsclient.NewFactory(base, cfg, nil, logger.NewNoopLogger())

	require.Equal(t, "arn:aws:iam::123456789012:role/IAMAdvisor", f.RoleARN("123456789012"))

	ctx := context.Background()
	a1, err := f.IAM(ctx, "123456789012")
	require.NoError(t, err)
	a2, err := f.IAM(ctx, "123456789012")
	require.NoError(t, err)
	b, err := f.IAM(ctx, "223456789012")
	require.NoError(t, err)

	require.Same(t, a1, a2)
	require.NotSame(t, a1, b)

	_, err = f.IAM(ctx, "")
	require.Error(t, err)
}

func TestLimitedWaitsBeforeCalling(t *testing.T) {
	fake := &awsclienttest.FakeIAM{RolePages: [][]string{{"arn:aws:iam::123456789012:role/a"}}}
	limiter := ratelimit.New(0.001, 1)
	client := awsclient.Limited(fake, limiter, "123456789012")

	_, err := client.ListRoles(context.Background(), &iam.ListRolesInput{})
	require.NoError(t, err)

	// bucket is empty now; the next call must give up with the context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.ListUsers(ctx, &iam.ListUsersInput{})
	require.Error(t, err)
	require.Equal(t, 0, fake.Calls("ListUsers"))
}
