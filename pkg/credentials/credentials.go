// Package credentials resolves the region and the IAM credentials used to
// authenticate a mount.
//
// The AWS SDK is reached only through the Provider and Session interfaces.
// Whether it may be used at all is decided once at startup: the chosen
// Provider (SDK-backed or Unavailable) is injected into the Resolver, which
// never branches on a global flag.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sources of a CredentialSet.
const (
	SourceProfile  = "profile"
	SourceSession  = "default-session"
	SourceECS      = "ecs"
	SourceInstance = "instance-role"
)

var (
	// ErrProviderUnavailable is returned by the Unavailable provider.
	ErrProviderUnavailable = errors.New("credential provider unavailable")

	// ErrNoRegion is returned when no source yields a region.
	ErrNoRegion = errors.New("unable to determine region")

	// ErrUnsupportedService is returned for service clients the session
	// cannot build.
	ErrUnsupportedService = errors.New("unsupported service")
)

// CredentialSet is a resolved access key, secret key and session token.
//
// The zero value means "no credentials resolved". Credentials are embedded
// into the tunnel configuration and must never be logged; String redacts
// them.
type CredentialSet struct {
	AccessKeyID     string
	SecretAccessKey string
	Token           string

	// Expiration is zero for credentials that do not expire
	Expiration time.Time

	// Source names where the set came from
	Source string
}

// IsEmpty reports whether no credentials were resolved.
func (c CredentialSet) IsEmpty() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == ""
}

// ExpiresWithin reports whether the set expires within window of now.
// Sets without expiration never do.
func (c CredentialSet) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.Expiration.IsZero() {
		return false
	}
	return !now.Add(window).Before(c.Expiration)
}

// String implements fmt.Stringer without revealing secrets.
func (c CredentialSet) String() string {
	if c.IsEmpty() {
		return "CredentialSet{none}"
	}

	key := c.AccessKeyID
	if len(key) > 4 {
		key = "****" + key[len(key)-4:]
	}
	return fmt.Sprintf("CredentialSet{source=%s key=%s token=%v}", c.Source, key, c.Token != "")
}

// GoString keeps %#v from printing secrets.
func (c CredentialSet) GoString() string {
	return c.String()
}

// ProfileNotFoundError reports a named profile missing from the shared
// config and credentials files. It is a user configuration error: the
// mount attempt must stop and the message must reach the operator.
type ProfileNotFoundError struct {
	Profile string
	Err     error
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("the profile %q could not be found in the AWS config or credentials files", e.Profile)
}

func (e *ProfileNotFoundError) Unwrap() error {
	return e.Err
}

// ClientRequest describes a service client to build.
type ClientRequest struct {
	Service string
	Region  string
	FIPS    bool

	// Credentials, when set, replace the session's own credential chain
	Credentials *CredentialSet
}

// Session is the narrow surface of the credential SDK used by the mount
// helper.
type Session interface {
	// SetProfile binds the session to a named profile.
	SetProfile(name string)

	// NewClient creates a typed service client. A missing bound profile is
	// reported as *ProfileNotFoundError.
	NewClient(ctx context.Context, req ClientRequest) (any, error)

	// Credentials returns the current credentials of the session. A
	// missing bound profile is reported as *ProfileNotFoundError.
	Credentials(ctx context.Context) (CredentialSet, error)
}

// Provider opens sessions.
type Provider interface {
	// NewSession opens a session, or fails with ErrProviderUnavailable.
	NewSession(ctx context.Context) (Session, error)
}

// Unavailable is the Provider used when the SDK must not be used.
type Unavailable struct{}

func (Unavailable) NewSession(context.Context) (Session, error) {
	return nil, ErrProviderUnavailable
}
