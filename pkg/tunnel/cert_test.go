package tunnel

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"testing"
	"time"

	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = credentials.CredentialSet{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	Token:           "session-token",
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func extension(cert *x509.Certificate, oid asn1.ObjectIdentifier) []byte {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value
		}
	}
	return nil
}

func TestIssueClientCertificate(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cc, err := IssueClientCertificate(context.Background(), CertificateRequest{
		Credentials:   testCreds,
		FileSystemID:  "fs-0123abcd",
		AccessPointID: "fsap-0123456789abcdef0",
		Region:        "us-east-1",
		Now:           now,
	})
	require.NoError(t, err)
	assert.Contains(t, string(cc.KeyPEM), "PRIVATE KEY")

	cert := parseCert(t, cc.CertPEM)
	assert.Equal(t, "fs-0123abcd", cert.Subject.CommonName)
	assert.True(t, cert.NotAfter.After(now))

	var auth clientAuth
	_, err = asn1.Unmarshal(extension(cert, oidClientAuth), &auth)
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", auth.AccessKeyID)
	assert.Equal(t, "session-token", auth.SessionToken)
	assert.Len(t, auth.Signature, 32, "SigV4 signatures are HMAC-SHA256")
	assert.True(t, auth.SigningTime.Equal(now))

	var fsID string
	_, err = asn1.UnmarshalWithParams(extension(cert, oidFileSystemID), &fsID, "utf8")
	require.NoError(t, err)
	assert.Equal(t, "fs-0123abcd", fsID)

	var ap string
	_, err = asn1.UnmarshalWithParams(extension(cert, oidAccessPoint), &ap, "utf8")
	require.NoError(t, err)
	assert.Equal(t, "fsap-0123456789abcdef0", ap)

	assert.NotContains(t, string(cc.CertPEM), testCreds.SecretAccessKey)
}

func TestIssueClientCertificate_NoAccessPoint(t *testing.T) {
	cc, err := IssueClientCertificate(context.Background(), CertificateRequest{
		Credentials:  credentials.CredentialSet{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		FileSystemID: "fs-0123abcd",
		Region:       "us-east-1",
	})
	require.NoError(t, err)

	cert := parseCert(t, cc.CertPEM)
	assert.Nil(t, extension(cert, oidAccessPoint))

	var auth clientAuth
	_, err = asn1.Unmarshal(extension(cert, oidClientAuth), &auth)
	require.NoError(t, err)
	assert.Empty(t, auth.SessionToken)
}

func TestIssueClientCertificate_RequiresCredentials(t *testing.T) {
	_, err := IssueClientCertificate(context.Background(), CertificateRequest{FileSystemID: "fs-1", Region: "us-east-1"})
	assert.Error(t, err)
}

func TestSignPublicKey(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := signPublicKey(ctx, testCreds, "fs-1", "us-east-1", []byte("public-key"), now)
	require.NoError(t, err)
	second, err := signPublicKey(ctx, testCreds, "fs-1", "us-east-1", []byte("public-key"), now)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := signPublicKey(ctx, testCreds, "fs-1", "us-east-1", []byte("another-key"), now)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "the signature covers the public key")

	_, err = signPublicKey(ctx, testCreds, "fs-1", "", []byte("public-key"), now)
	assert.Error(t, err)
}
