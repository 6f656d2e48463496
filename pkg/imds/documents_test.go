package imds

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roleCredentialsJSON = `{
  "Code": "Success",
  "Type": "AWS-HMAC",
  "AccessKeyId": "ASIAEXAMPLE",
  "SecretAccessKey": "secret",
  "Token": "session-token",
  "Expiration": "2026-10-19T12:00:00Z"
}`

func TestInstanceIdentity(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: `{
			"region": "us-west-2",
			"availabilityZone": "us-west-2a",
			"instanceId": "i-0123456789abcdef0",
			"accountId": "123456789012"
		}`})
	client := newTestClient(transport, true)

	identity, err := client.InstanceIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", identity.Region)
	assert.Equal(t, "us-west-2a", identity.AvailabilityZone)
	assert.Equal(t, "i-0123456789abcdef0", identity.InstanceID)
}

func TestInstanceIdentityUnavailable(t *testing.T) {
	client := newTestClient(newFakeTransport(), true)
	captureLog(t)

	_, err := client.InstanceIdentity(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestInstanceRoleCredentials(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IAMURL, reply{status: 200, body: "efs-mount-role\n"}).
		on(http.MethodGet, IAMURL+"efs-mount-role", reply{status: 200, body: roleCredentialsJSON})
	client := newTestClient(transport, true)

	creds, err := client.InstanceRoleCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ASIAEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, "session-token", creds.Token)
	assert.Equal(t, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC), creds.Expiration)
}

func TestInstanceRoleCredentialsNoRole(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IAMURL, reply{status: 404})
	client := newTestClient(transport, true)
	captureLog(t)

	_, err := client.InstanceRoleCredentials(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestInstanceRoleCredentialsFailureCode(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IAMURL, reply{status: 200, body: "role"}).
		on(http.MethodGet, IAMURL+"role", reply{status: 200, body: `{"Code":"AssumeRoleUnauthorizedAccess","AccessKeyId":"a","SecretAccessKey":"b"}`})
	client := newTestClient(transport, true)

	_, err := client.InstanceRoleCredentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AssumeRoleUnauthorizedAccess")
}

func TestContainerCredentials(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, ECSTaskMetadataAPI+"/v2/credentials/abc", reply{status: 200, body: roleCredentialsJSON})
	client := newTestClient(transport, false)

	creds, err := client.ContainerCredentials(context.Background(), "v2/credentials/abc")
	require.NoError(t, err)
	assert.Equal(t, "ASIAEXAMPLE", creds.AccessKeyID)
	assert.Zero(t, transport.count(http.MethodPut, TokenURL), "container endpoint never uses tokens")
}

func TestContainerCredentialsWithoutURI(t *testing.T) {
	client := newTestClient(newFakeTransport(), false)

	_, err := client.ContainerCredentials(context.Background(), "")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
