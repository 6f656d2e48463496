package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	awsCredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/marmos91/efsmount/internal/logger"
)

// SDKProvider opens sessions backed by aws-sdk-go-v2.
type SDKProvider struct {
	// MaxAttempts is the retryer budget of service clients (default: 3)
	MaxAttempts int

	// LoadOptions are appended to every configuration load. Tests use them
	// to point the SDK at temporary shared config files.
	LoadOptions []func(*awsConfig.LoadOptions) error
}

// NewSession opens an SDK session. It never fails: configuration is loaded
// lazily by each session operation.
func (p SDKProvider) NewSession(context.Context) (Session, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &sdkSession{maxAttempts: maxAttempts, extra: p.LoadOptions}, nil
}

// sdkSession implements Session.
type sdkSession struct {
	profile     string
	maxAttempts int
	extra       []func(*awsConfig.LoadOptions) error
}

func (s *sdkSession) SetProfile(name string) {
	s.profile = name
}

// load resolves an aws.Config for this session.
//
// The SDK's own instance metadata lookups are disabled: instance role
// credentials and the identity document go through the token-aware
// metadata client instead. Credentials resolved that way are passed in as
// static credentials.
func (s *sdkSession) load(ctx context.Context, region string, fips bool, static *CredentialSet) (aws.Config, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithEC2IMDSClientEnableState(imds.ClientDisabled),
		awsConfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = s.maxAttempts
			})
		}),
	}
	if region != "" {
		opts = append(opts, awsConfig.WithRegion(region))
	}
	if s.profile != "" {
		opts = append(opts, awsConfig.WithSharedConfigProfile(s.profile))
	}
	if fips {
		opts = append(opts, awsConfig.WithUseFIPSEndpoint(aws.FIPSEndpointStateEnabled))
	}
	if static != nil && !static.IsEmpty() {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			awsCredentials.NewStaticCredentialsProvider(static.AccessKeyID, static.SecretAccessKey, static.Token),
		))
	}
	opts = append(opts, s.extra...)

	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		var notExist awsConfig.SharedConfigProfileNotExistError
		if errors.As(err, &notExist) {
			return aws.Config{}, &ProfileNotFoundError{Profile: s.profile, Err: err}
		}
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return cfg, nil
}

func (s *sdkSession) NewClient(ctx context.Context, req ClientRequest) (any, error) {
	cfg, err := s.load(ctx, req.Region, req.FIPS, req.Credentials)
	if err != nil {
		return nil, err
	}

	switch req.Service {
	case "efs":
		logger.Debug("Created efs client for region %s (fips=%v, profile=%q)", req.Region, req.FIPS, s.profile)
		return efs.NewFromConfig(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, req.Service)
	}
}

func (s *sdkSession) Credentials(ctx context.Context) (CredentialSet, error) {
	cfg, err := s.load(ctx, "", false, nil)
	if err != nil {
		return CredentialSet{}, err
	}
	if cfg.Credentials == nil {
		return CredentialSet{}, errors.New("no credentials provider configured")
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return CredentialSet{}, fmt.Errorf("failed to retrieve credentials: %w", err)
	}

	set := CredentialSet{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		Token:           creds.SessionToken,
		Source:          creds.Source,
	}
	if creds.CanExpire {
		set.Expiration = creds.Expires
	}
	return set, nil
}
