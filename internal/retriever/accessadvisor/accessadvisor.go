// Package accessadvisor implements the retriever that collects IAM Access
// Advisor (service last accessed) data for an identity.
//
// For every ARN it submits a report job, polls it with exponential backoff
// until the job completes, follows continuation pages of the finished report
// and normalizes the records into models.ServiceAccessRecord.
package accessadvisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"iam-advisor/internal/awsclient"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
	"iam-advisor/internal/retriever"
)

const (
	// Name is the name the retriever reports in logs and errors.
	Name = "access_advisor"

	DefaultMaxAttempts = 10
	DefaultBackoffUnit = time.Second

	noErrorDetails = "no error details provided"
)

var (
	// ErrJobFailed is returned when the remote job ends in a non-success status.
	ErrJobFailed = errors.New("access advisor job failed")
	// ErrJobTimeout is returned when a job is still running after the last poll.
	ErrJobTimeout = errors.New("access advisor job did not complete")
)

var tracer = otel.Tracer("iam-advisor/internal/retriever/accessadvisor")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the SleepFunc used outside of tests.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jobStatus is the local view of a remote report job.
type jobStatus string

const (
	statusSubmitted  jobStatus = "SUBMITTED"
	statusInProgress jobStatus = jobStatus(types.JobStatusTypeInProgress)
	statusCompleted  jobStatus = jobStatus(types.JobStatusTypeCompleted)
	statusFailed     jobStatus = jobStatus(types.JobStatusTypeFailed)
)

type job struct {
	ID       string
	ARN      string
	Status   jobStatus
	Attempts int
}

// Retriever collects service last accessed data for one ARN at a time.
type Retriever struct {
	clients     awsclient.ClientSource
	logger      logger.Logger
	maxAttempts int
	unit        time.Duration
	sleep       SleepFunc
}

var _ retriever.Retriever = (*Retriever)(nil)

type Option func(*Retriever)

// WithMaxAttempts caps the number of status polls per job.
func WithMaxAttempts(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoffUnit sets the first poll delay; delay n is unit * 2^n.
func WithBackoffUnit(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.unit = d
		}
	}
}

// WithSleep replaces the function used to wait between polls.
func WithSleep(fn SleepFunc) Option {
	return func(r *Retriever) {
		r.sleep = fn
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

func New(clients awsclient.ClientSource, opts ...Option) *Retriever {
	r := &Retriever{
		clients:     clients,
		logger:      logger.NewNoopLogger(),
		maxAttempts: DefaultMaxAttempts,
		unit:        DefaultBackoffUnit,
		sleep:       Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retriever) Name() string {
	return Name
}

// Run stores the access advisor records for arn under retriever.ServiceUsageKey.
// An identity that no longer exists leaves data untouched.
func (r *Retriever) Run(ctx context.Context, arn string, data retriever.Data) (retriever.Data, error) {
	ctx, span := tracer.Start(ctx, "accessadvisor.Run")
	defer span.End()
	span.SetAttributes(attribute.String("arn", arn))

	account, err := awsclient.AccountFromARN(arn)
	if err != nil {
		return nil, err
	}
	client, err := r.clients.IAM(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("iam client for %s: %w", account, err)
	}

	j, err := r.submit(ctx, client, arn)
	if err != nil {
		var nse *types.NoSuchEntityException
		if errors.As(err, &nse) {
			r.logger.Info("identity no longer exists", zap.String("arn", arn))
			return data, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	details, err := r.poll(ctx, client, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	records := make([]models.ServiceAccessRecord, 0, len(details))
	for _, d := range details {
		records = append(records, Transform(d))
	}
	span.SetAttributes(attribute.Int("records", len(records)))

	if data == nil {
		data = retriever.NewData(arn)
	}
	data[retriever.ServiceUsageKey] = records
	return data, nil
}

func (r *Retriever) submit(ctx context.Context, client awsclient.IAMAPI, arn string) (*job, error) {
	out, err := client.GenerateServiceLastAccessedDetails(ctx, &iam.GenerateServiceLastAccessedDetailsInput{
		Arn: aws.String(arn),
	})
	if err != nil {
		return nil, err
	}
	j := &job{ID: aws.ToString(out.JobId), ARN: arn, Status: statusSubmitted}
	r.logger.Debug("submitted access advisor job", zap.String("arn", arn), zap.String("job_id", j.ID))
	return j, nil
}

// newBackOff yields unit, 2*unit, 4*unit, ... without jitter or an elapsed
// time limit; the attempt cap bounds the loop.
func (r *Retriever) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.unit
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxInterval(r.unit, r.maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// maxInterval is unit * 2^attempts, saturating instead of overflowing.
func maxInterval(unit time.Duration, attempts int) time.Duration {
	if attempts >= 63 || unit > time.Duration(math.MaxInt64>>attempts) {
		return time.Duration(math.MaxInt64)
	}
	return unit << attempts
}

// poll waits for j to complete and returns every record of the report,
// following continuation markers.
func (r *Retriever) poll(ctx context.Context, client awsclient.IAMAPI, j *job) ([]types.ServiceLastAccessed, error) {
	b := r.newBackOff()

	var out *iam.GetServiceLastAccessedDetailsOutput
	for j.Attempts < r.maxAttempts {
		details, err := client.GetServiceLastAccessedDetails(ctx, &iam.GetServiceLastAccessedDetailsInput{
			JobId: aws.String(j.ID),
		})
		if err != nil {
			return nil, err
		}
		j.Status = jobStatus(details.JobStatus)

		switch j.Status {
		case statusCompleted:
			out = details
		case statusInProgress:
			// the wait after the last poll is kept so that a job which never
			// completes costs the full unit * (2^maxAttempts - 1) budget
			wait := b.NextBackOff()
			r.logger.Debug("access advisor job in progress",
				zap.String("arn", j.ARN),
				zap.String("job_id", j.ID),
				zap.Int("attempt", j.Attempts),
				zap.Duration("wait", wait))
			if err := r.sleep(ctx, wait); err != nil {
				return nil, err
			}
			j.Attempts++
			continue
		default:
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, errorDetail(details.Error))
		}
		break
	}

	if out == nil {
		return nil, fmt.Errorf("%w: job %s still %s after %d attempts", ErrJobTimeout, j.ID, j.Status, j.Attempts)
	}

	records := append([]types.ServiceLastAccessed(nil), out.ServicesLastAccessed...)
	for out.IsTruncated {
		marker := aws.ToString(out.Marker)
		if marker == "" {
			break
		}
		next, err := client.GetServiceLastAccessedDetails(ctx, &iam.GetServiceLastAccessedDetailsInput{
			JobId:  aws.String(j.ID),
			Marker: aws.String(marker),
		})
		if err != nil {
			return nil, err
		}
		records = append(records, next.ServicesLastAccessed...)
		out = next
	}

	return records, nil
}

func errorDetail(e *types.ErrorDetails) string {
	if e == nil {
		return noErrorDetails
	}
	msg := aws.ToString(e.Message)
	code := aws.ToString(e.Code)
	switch {
	case code != "" && msg != "":
		return code + ": " + msg
	case msg != "":
		return msg
	case code != "":
		return code
	}
	return noErrorDetails
}

// Transform converts a service last accessed entry into a record, encoding
// the last authentication time as epoch milliseconds and 0 when absent.
func Transform(s types.ServiceLastAccessed) models.ServiceAccessRecord {
	return models.ServiceAccessRecord{
		ServiceName:                aws.ToString(s.ServiceName),
		ServiceNamespace:           aws.ToString(s.ServiceNamespace),
		LastAuthenticated:          EpochMillis(s.LastAuthenticated),
		LastAuthenticatedEntity:    aws.ToString(s.LastAuthenticatedEntity),
		TotalAuthenticatedEntities: int(aws.ToInt32(s.TotalAuthenticatedEntities)),
	}
}

// EpochMillis floors t to milliseconds since the epoch; nil and the zero
// time both map to 0.
func EpochMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
