package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/marmos91/efsmount/pkg/credentials"
)

// Certificate extension OIDs understood by the file system endpoint.
var (
	oidAccessPoint  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4843, 7, 1}
	oidClientAuth   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4843, 7, 2}
	oidFileSystemID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4843, 7, 3}
	oidClientInfo   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4843, 7, 4}
)

// signingService is the SigV4 service name of the connect signature.
const signingService = "elasticfilesystem"

// certificateLifetime bounds the validity of a client certificate. The
// supervisor issues a new one on every start.
const certificateLifetime = 3 * time.Hour

// ClientSource names this helper in the client info extension.
const ClientSource = "efsmount"

// clientAuth is the value of the client auth extension.
type clientAuth struct {
	AccessKeyID  string    `asn1:"explicit,tag:0,utf8"`
	Signature    []byte    `asn1:"explicit,tag:1"`
	SigningTime  time.Time `asn1:"explicit,tag:2,utc"`
	SessionToken string    `asn1:"explicit,tag:3,utf8,optional"`
}

// clientInfo is the value of the client info extension.
type clientInfo struct {
	Source string `asn1:"explicit,tag:0,utf8"`
}

// CertificateRequest describes the client certificate of an IAM mount.
type CertificateRequest struct {
	Credentials   credentials.CredentialSet
	FileSystemID  string
	AccessPointID string
	Region        string

	// Now is the signing time (zero uses time.Now)
	Now time.Time
}

// ClientCertificate is a PEM encoded certificate and private key.
type ClientCertificate struct {
	CertPEM []byte
	KeyPEM  []byte
}

// IssueClientCertificate creates a self-signed client certificate whose
// extensions carry the access key id, a SigV4 signature over the public
// key, the session token and the file system id.
func IssueClientCertificate(ctx context.Context, req CertificateRequest) (*ClientCertificate, error) {
	if req.Credentials.IsEmpty() {
		return nil, errors.New("client certificate requires credentials")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Second)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	publicKey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	signature, err := signPublicKey(ctx, req.Credentials, req.FileSystemID, req.Region, publicKey, now)
	if err != nil {
		return nil, err
	}

	extensions, err := clientExtensions(req, signature, now)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         pkix.Name{CommonName: req.FileSystemID},
		NotBefore:       now.Add(-time.Minute),
		NotAfter:        now.Add(certificateLifetime),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtraExtensions: extensions,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &ClientCertificate{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func clientExtensions(req CertificateRequest, signature []byte, now time.Time) ([]pkix.Extension, error) {
	auth, err := asn1.Marshal(clientAuth{
		AccessKeyID:  req.Credentials.AccessKeyID,
		Signature:    signature,
		SigningTime:  now,
		SessionToken: req.Credentials.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal client auth: %w", err)
	}
	fsID, err := asn1.MarshalWithParams(req.FileSystemID, "utf8")
	if err != nil {
		return nil, fmt.Errorf("marshal file system id: %w", err)
	}
	info, err := asn1.Marshal(clientInfo{Source: ClientSource})
	if err != nil {
		return nil, fmt.Errorf("marshal client info: %w", err)
	}

	extensions := []pkix.Extension{
		{Id: oidClientAuth, Value: auth},
		{Id: oidFileSystemID, Value: fsID},
		{Id: oidClientInfo, Value: info},
	}
	if req.AccessPointID != "" {
		ap, err := asn1.MarshalWithParams(req.AccessPointID, "utf8")
		if err != nil {
			return nil, fmt.Errorf("marshal access point id: %w", err)
		}
		extensions = append(extensions, pkix.Extension{Id: oidAccessPoint, Value: ap})
	}
	return extensions, nil
}

// signPublicKey presigns a Connect request to the file system with the
// SHA-256 of the public key as payload and returns the raw signature.
func signPublicKey(ctx context.Context, creds credentials.CredentialSet, fsID, region string, publicKey []byte, now time.Time) ([]byte, error) {
	if region == "" {
		return nil, errors.New("signing the client certificate requires a region")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+fsID+"/?Action=Connect", nil)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(publicKey)
	signed, _, err := v4.NewSigner().PresignHTTP(ctx, aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.Token,
	}, req, hex.EncodeToString(digest[:]), signingService, region, now)
	if err != nil {
		return nil, fmt.Errorf("sign public key: %w", err)
	}

	u, err := url.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("parse presigned url: %w", err)
	}
	signature, err := hex.DecodeString(u.Query().Get("X-Amz-Signature"))
	if err != nil || len(signature) == 0 {
		return nil, errors.New("presigned url carries no signature")
	}
	return signature, nil
}
