package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/imds"
	"github.com/marmos91/efsmount/pkg/mount"
)

// MetadataSource is the part of the metadata client used by the resolver.
type MetadataSource interface {
	InstanceIdentity(ctx context.Context) (*imds.InstanceIdentity, error)
	InstanceRoleCredentials(ctx context.Context) (*imds.RoleCredentials, error)
	ContainerCredentials(ctx context.Context, relativeURI string) (*imds.RoleCredentials, error)
}

// Resolver resolves regions, service clients and credentials for a mount.
//
// A Resolver holds no mutable state and may be shared between goroutines
// as long as its Provider may.
type Resolver struct {
	cfg      *config.Config
	provider Provider
	metadata MetadataSource
	getenv   func(string) string
}

// NewResolver creates a resolver.
//
// Parameters:
//   - cfg: Loaded configuration
//   - provider: SDK capability; use NewProvider to select it from cfg
//   - metadata: Metadata client used for region and role fallbacks
//   - getenv: Environment lookup (nil uses os.Getenv)
func NewResolver(cfg *config.Config, provider Provider, metadata MetadataSource, getenv func(string) string) *Resolver {
	if provider == nil {
		provider = Unavailable{}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Resolver{cfg: cfg, provider: provider, metadata: metadata, getenv: getenv}
}

// NewProvider selects the SDK provider, or Unavailable when the SDK is
// disabled by configuration.
func NewProvider(cfg *config.Config) Provider {
	if !cfg.AWSSDKEnabled() {
		logger.Debug("AWS SDK disabled by configuration; SDK-backed credentials are unavailable")
		return Unavailable{}
	}
	return SDKProvider{MaxAttempts: cfg.Settings.Mount.SDKMaxAttempts}
}

// Client builds a service client for the mount.
//
// It returns (nil, nil) when the provider is unavailable: callers fall back
// to unauthenticated or metadata-derived access. A named profile that does
// not exist is returned as *ProfileNotFoundError.
//
// Parameters:
//   - ctx: Context for cancellation
//   - service: Service name, e.g. "efs"
//   - opts: Mount options (awsprofile, region, fips)
//   - creds: Credentials to use instead of the session chain (may be nil)
func (r *Resolver) Client(ctx context.Context, service string, opts mount.Options, creds *CredentialSet) (any, error) {
	session, err := r.provider.NewSession(ctx)
	if errors.Is(err, ErrProviderUnavailable) {
		logger.Debug("No credential provider available, not creating %s client", service)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	region, err := r.Region(ctx, opts)
	if err != nil {
		return nil, err
	}

	if profile, ok := opts.Get(mount.OptAWSProfile); ok && profile != "" {
		session.SetProfile(profile)
	}

	return session.NewClient(ctx, ClientRequest{
		Service:     service,
		Region:      region,
		FIPS:        r.cfg.FIPSModeEnabled() || opts.Has(mount.OptFIPS),
		Credentials: creds,
	})
}

// ProfileCredentials returns the credentials of a named profile.
//
// An unavailable provider yields an empty CredentialSet and no error. A
// profile that does not exist is returned as *ProfileNotFoundError.
func (r *Resolver) ProfileCredentials(ctx context.Context, profile string) (CredentialSet, error) {
	session, err := r.provider.NewSession(ctx)
	if errors.Is(err, ErrProviderUnavailable) {
		return CredentialSet{}, nil
	}
	if err != nil {
		return CredentialSet{}, err
	}

	session.SetProfile(profile)
	creds, err := session.Credentials(ctx)
	if err != nil {
		return CredentialSet{}, err
	}

	return CredentialSet{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		Token:           creds.Token,
		Expiration:      creds.Expiration,
		Source:          SourceProfile,
	}, nil
}

// Resolve produces the credentials for a mount, trying in order: the
// awsprofile option, the default SDK session, ECS container credentials
// and the instance role.
//
// Only *ProfileNotFoundError is returned as an error. Every other failure
// moves on to the next source; when all are exhausted the returned set is
// empty.
func (r *Resolver) Resolve(ctx context.Context, opts mount.Options) (CredentialSet, error) {
	if profile, ok := opts.Get(mount.OptAWSProfile); ok && profile != "" {
		creds, err := r.ProfileCredentials(ctx, profile)
		if err != nil {
			var notFound *ProfileNotFoundError
			if errors.As(err, &notFound) {
				return CredentialSet{}, err
			}
			logger.Warn("Failed to get credentials of profile %q: %v", profile, err)
		} else if !creds.IsEmpty() {
			return creds, nil
		}
	}

	if creds, ok := r.sessionCredentials(ctx); ok {
		return creds, nil
	}

	if uri := r.getenv(imds.ContainerCredentialsRelativeURIEnv); uri != "" && r.metadata != nil {
		role, err := r.metadata.ContainerCredentials(ctx, uri)
		if err == nil {
			return fromRole(role, SourceECS), nil
		}
		logger.Debug("ECS container credentials unavailable: %v", err)
	}

	if r.metadata != nil {
		role, err := r.metadata.InstanceRoleCredentials(ctx)
		if err == nil {
			return fromRole(role, SourceInstance), nil
		}
		logger.Debug("Instance role credentials unavailable: %v", err)
	}

	logger.Warn("No credentials found from any source")
	return CredentialSet{}, nil
}

func (r *Resolver) sessionCredentials(ctx context.Context) (CredentialSet, bool) {
	session, err := r.provider.NewSession(ctx)
	if err != nil {
		return CredentialSet{}, false
	}

	creds, err := session.Credentials(ctx)
	if err != nil || creds.IsEmpty() {
		logger.Debug("Default session has no credentials: %v", err)
		return CredentialSet{}, false
	}

	creds.Source = SourceSession
	return creds, true
}

func fromRole(role *imds.RoleCredentials, source string) CredentialSet {
	return CredentialSet{
		AccessKeyID:     role.AccessKeyID,
		SecretAccessKey: role.SecretAccessKey,
		Token:           role.Token,
		Expiration:      role.Expiration,
		Source:          source,
	}
}

// Region resolves the region of a mount: the region option, then the
// [mount] region item, then the instance identity document.
func (r *Resolver) Region(ctx context.Context, opts mount.Options) (string, error) {
	if region, ok := opts.Get(mount.OptRegion); ok && region != "" {
		return region, nil
	}
	if region := r.cfg.Settings.Mount.Region; region != "" {
		return region, nil
	}

	if r.metadata != nil {
		identity, err := r.metadata.InstanceIdentity(ctx)
		if err == nil && identity.Region != "" {
			return identity.Region, nil
		}
		if err != nil {
			logger.Debug("Region not available from instance identity: %v", err)
		}
	}

	return "", fmt.Errorf("%w: add the region option or set %q in the [%s] section",
		ErrNoRegion, "region", config.SectionMount)
}
