package imds

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContainerCredentialsRelativeURIEnv names the environment variable that
// ECS sets to the task's credentials path.
const ContainerCredentialsRelativeURIEnv = "AWS_CONTAINER_CREDENTIALS_RELATIVE_URI"

// InstanceIdentity is the subset of the instance identity document used
// for mounting.
type InstanceIdentity struct {
	Region           string `json:"region"`
	AvailabilityZone string `json:"availabilityZone"`
	InstanceID       string `json:"instanceId"`
	AccountID        string `json:"accountId"`
}

// RoleCredentials are temporary credentials served by a metadata endpoint.
type RoleCredentials struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	Token           string    `json:"Token"`
	Expiration      time.Time `json:"Expiration"`

	// Code is only set by the instance metadata service ("Success")
	Code string `json:"Code,omitempty"`
}

// InstanceIdentity fetches and parses the instance identity document.
func (c *Client) InstanceIdentity(ctx context.Context) (*InstanceIdentity, error) {
	resp := c.Request(ctx, IdentityDocumentURL, nil)
	if resp == nil {
		return nil, fmt.Errorf("instance identity document: %w", ErrUnavailable)
	}

	var identity InstanceIdentity
	if err := json.Unmarshal(resp.Body, &identity); err != nil {
		return nil, fmt.Errorf("failed to parse instance identity document: %w", err)
	}
	return &identity, nil
}

// InstanceRoleName returns the name of the IAM role attached to the instance.
func (c *Client) InstanceRoleName(ctx context.Context) (string, error) {
	resp := c.Request(ctx, IAMURL, nil)
	if resp == nil {
		return "", fmt.Errorf("instance role: %w", ErrUnavailable)
	}

	// The listing holds one role name per line; instances have at most one.
	scanner := bufio.NewScanner(bytes.NewReader(resp.Body))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("no IAM role attached to the instance: %w", ErrUnavailable)
}

// InstanceRoleCredentials returns the temporary credentials of the
// instance's IAM role.
func (c *Client) InstanceRoleCredentials(ctx context.Context) (*RoleCredentials, error) {
	role, err := c.InstanceRoleName(ctx)
	if err != nil {
		return nil, err
	}

	resp := c.Request(ctx, IAMURL+role, nil)
	if resp == nil {
		return nil, fmt.Errorf("credentials for role %s: %w", role, ErrUnavailable)
	}

	creds, err := parseRoleCredentials(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("credentials for role %s: %w", role, err)
	}
	if creds.Code != "" && creds.Code != "Success" {
		return nil, fmt.Errorf("credentials for role %s: metadata service returned code %q", role, creds.Code)
	}
	return creds, nil
}

// ContainerCredentials returns the task role credentials served at
// relativeURI by the container credentials endpoint.
func (c *Client) ContainerCredentials(ctx context.Context, relativeURI string) (*RoleCredentials, error) {
	if relativeURI == "" {
		return nil, fmt.Errorf("container credentials: %w", ErrUnavailable)
	}
	if !strings.HasPrefix(relativeURI, "/") {
		relativeURI = "/" + relativeURI
	}

	resp := c.Request(ctx, ECSTaskMetadataAPI+relativeURI, nil)
	if resp == nil {
		return nil, fmt.Errorf("container credentials: %w", ErrUnavailable)
	}

	return parseRoleCredentials(resp.Body)
}

func parseRoleCredentials(body []byte) (*RoleCredentials, error) {
	var creds RoleCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("incomplete credentials: %w", ErrUnavailable)
	}
	return &creds, nil
}
