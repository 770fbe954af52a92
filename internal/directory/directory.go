// Package directory reads the fleet's account listing. The listing is a JSON
// array of accounts, loaded from a local file or an S3 object, and can be
// narrowed with a JMESPath expression before it is decoded.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"iam-advisor/internal/config"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
)

var (
	// ErrUnavailable is returned when the listing cannot be fetched, including
	// when no source is configured.
	ErrUnavailable = errors.New("account directory unavailable")
	// ErrInvalidData is returned for a listing or filter result that does not
	// decode into accounts.
	ErrInvalidData = errors.New("invalid account directory data")
)

// Source fetches the raw listing.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the listing from a local JSON file.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(_ context.Context) ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f FileSource) String() string {
	return "file://" + f.Path
}

// S3API is the part of the S3 client used to read the listing.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the listing from one S3 object.
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s S3Source) String() string {
	return "s3://" + s.Bucket + "/" + strings.TrimPrefix(s.Key, "/")
}

// Directory lists accounts from a Source. A Directory without a source is
// valid and reports ErrUnavailable on every lookup.
type Directory struct {
	source Source
	logger logger.Logger
}

type Option func(*Directory)

func WithLogger(l logger.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

// New returns a Directory reading from source, which may be nil.
func New(source Source, opts ...Option) *Directory {
	d := &Directory{
		source: source,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig picks the source named by cfg.Type. An empty type yields an
// unconfigured Directory.
func NewFromConfig(cfg config.DirectoryConfig, awsCfg aws.Config, opts ...Option) (*Directory, error) {
	switch cfg.Type {
	case "":
		return New(nil, opts...), nil
	case "file":
		return New(FileSource{Path: cfg.Path}, opts...), nil
	case "s3":
		return New(S3Source{Client: s3.NewFromConfig(awsCfg), Bucket: cfg.Bucket, Key: cfg.Key}, opts...), nil
	default:
		return nil, fmt.Errorf("unknown directory type: %s", cfg.Type)
	}
}

// Configured reports whether the directory has a source.
func (d *Directory) Configured() bool {
	return d.source != nil
}

// ListAll returns every account in the listing. A non-empty filter is a
// JMESPath expression evaluated against the raw listing; it must yield an
// array of accounts.
func (d *Directory) ListAll(ctx context.Context, filter string) ([]models.Account, error) {
	if d.source == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrUnavailable)
	}

	raw, err := d.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, d.source, err)
	}

	accounts, err := decode(raw, filter)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("listed accounts",
		zap.String("source", d.source.String()),
		zap.String("filter", filter),
		zap.Int("accounts", len(accounts)))
	return accounts, nil
}

func decode(raw []byte, filter string) ([]models.Account, error) {
	if filter == "" {
		var accounts []models.Account
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		return accounts, validate(accounts)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	result, err := jmespath.Search(filter, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", ErrInvalidData, filter, err)
	}
	if result == nil {
		return []models.Account{}, nil
	}
	if _, ok := result.([]interface{}); !ok {
		return nil, fmt.Errorf("%w: filter %q did not return a list", ErrInvalidData, filter)
	}

	// round trip the filtered document to get typed accounts
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	var accounts []models.Account
	if err := json.Unmarshal(b, &accounts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return accounts, validate(accounts)
}

func validate(accounts []models.Account) error {
	for i, a := range accounts {
		if a.ID == "" {
			return fmt.Errorf("%w: account at index %d has no id", ErrInvalidData, i)
		}
	}
	return nil
}

// ServiceEnabled keeps the accounts where the named service is enabled in at
// least one region. An empty requirement keeps everything.
func (d *Directory) ServiceEnabled(requirement string, accounts []models.Account) []models.Account {
	if requirement == "" {
		return accounts
	}

	out := make([]models.Account, 0, len(accounts))
	for _, a := range accounts {
		if serviceEnabled(a, requirement) {
			out = append(out, a)
		}
	}
	return out
}

func serviceEnabled(a models.Account, name string) bool {
	for _, s := range a.Services {
		if s.Name != name {
			continue
		}
		for _, st := range s.Status {
			if st.Enabled {
				return true
			}
		}
	}
	return false
}
