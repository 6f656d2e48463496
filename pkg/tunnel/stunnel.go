package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/spf13/afero"
)

// Stunnel service timeouts, in seconds.
const (
	timeoutBusy  = 20
	timeoutClose = 0
	timeoutIdle  = 70
)

// StunnelConfig holds the values rendered into a stunnel configuration.
type StunnelConfig struct {
	// Global options
	FIPS    bool
	Debug   bool
	PIDFile string
	LogFile string

	// AcceptPort is the loopback port the NFS client connects to
	AcceptPort int

	// ConnectAddress is the remote endpoint, "host:port"
	ConnectAddress string

	// Server certificate verification. Verify is stunnel's verify level;
	// 0 disables it.
	Verify    int
	CAFile    string
	CheckHost string
	OCSP      bool

	// Client certificate of IAM mounts
	CertFile string
	KeyFile  string
}

// Render writes the configuration in stunnel syntax.
func (c *StunnelConfig) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	line := func(key, value string) {
		_, _ = fmt.Fprintf(bw, "%s = %s\n", key, value)
	}

	line("fips", yesNo(c.FIPS))
	line("foreground", "yes")
	line("socket", "l:SO_REUSEADDR=yes")
	line("socket", "a:SO_BINDTODEVICE=lo")
	if c.PIDFile != "" {
		line("pid", c.PIDFile)
	}
	if c.Debug {
		line("debug", "debug")
	}
	if c.LogFile != "" {
		line("output", c.LogFile)
	}

	_, _ = bw.WriteString("\n[efs]\n")
	line("client", "yes")
	line("accept", "127.0.0.1:"+strconv.Itoa(c.AcceptPort))
	line("connect", c.ConnectAddress)
	line("sslVersion", "TLSv1.2")
	line("renegotiation", "no")
	line("TIMEOUTbusy", strconv.Itoa(timeoutBusy))
	line("TIMEOUTclose", strconv.Itoa(timeoutClose))
	line("TIMEOUTidle", strconv.Itoa(timeoutIdle))
	line("delay", "yes")
	line("libwrap", "no")

	if c.Verify > 0 {
		line("verify", strconv.Itoa(c.Verify))
		if c.CAFile != "" {
			line("CAfile", c.CAFile)
		}
		if c.CheckHost != "" {
			line("checkHost", c.CheckHost)
		}
		line("OCSPaia", yesNo(c.OCSP))
	}

	if c.CertFile != "" {
		line("cert", c.CertFile)
		line("key", c.KeyFile)
	}

	return bw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// ConnectAddress formats a remote endpoint for stunnel, which splits host
// and port at the last colon.
func ConnectAddress(addr string, port int) string {
	return addr + ":" + strconv.Itoa(port)
}

// ConfigRequest carries the per-start inputs of a tunnel configuration.
type ConfigRequest struct {
	Credentials    credentials.CredentialSet
	ConnectAddress string
}

// ConfigWriter produces the configuration file a tunnel process is
// started with.
type ConfigWriter interface {
	// Write renders the configuration and returns its path.
	Write(ctx context.Context, req ConfigRequest) (string, error)

	// Remove deletes every file Write created.
	Remove() error
}

// StunnelWriter writes stunnel configurations, and the client certificate
// of IAM mounts, under a state directory.
type StunnelWriter struct {
	Fs  afero.Fs
	Dir string

	// Name is unique per mount and prefixes every file
	Name string

	// Template is copied for every Write; ConnectAddress and the client
	// certificate paths are filled in
	Template StunnelConfig

	// IAM requests a client certificate carrying the credentials
	IAM           bool
	FileSystemID  string
	AccessPointID string
	Region        string
}

// File name prefixes of the per-mount files in the state directory.
const (
	ConfigFilePrefix = "stunnel-config."
	PIDFilePrefix    = "stunnel-pid."
	LogFilePrefix    = "stunnel-log."
)

// LogPath is the tunnel output log of the mount named name. Logs are kept
// when the tunnel files are removed.
func LogPath(dir, name string) string {
	return filepath.Join(dir, LogFilePrefix+name)
}

func (w *StunnelWriter) configPath() string {
	return filepath.Join(w.Dir, ConfigFilePrefix+w.Name)
}

// PIDPath is where the tunnel process records its pid.
func (w *StunnelWriter) PIDPath() string {
	return filepath.Join(w.Dir, PIDFilePrefix+w.Name)
}

func (w *StunnelWriter) certDir() string {
	return filepath.Join(w.Dir, w.Name+"+")
}

// Write implements ConfigWriter.
func (w *StunnelWriter) Write(ctx context.Context, req ConfigRequest) (string, error) {
	if err := w.Fs.MkdirAll(w.Dir, 0750); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}

	cfg := w.Template
	cfg.ConnectAddress = req.ConnectAddress

	if w.IAM {
		cert, err := IssueClientCertificate(ctx, CertificateRequest{
			Credentials:   req.Credentials,
			FileSystemID:  w.FileSystemID,
			AccessPointID: w.AccessPointID,
			Region:        w.Region,
		})
		if err != nil {
			return "", fmt.Errorf("issue client certificate: %w", err)
		}

		if err := w.Fs.MkdirAll(w.certDir(), 0700); err != nil {
			return "", fmt.Errorf("create certificate directory: %w", err)
		}
		cfg.CertFile = filepath.Join(w.certDir(), "certificate.pem")
		cfg.KeyFile = filepath.Join(w.certDir(), "privateKey.pem")
		if err := afero.WriteFile(w.Fs, cfg.CertFile, cert.CertPEM, 0600); err != nil {
			return "", fmt.Errorf("write certificate: %w", err)
		}
		if err := afero.WriteFile(w.Fs, cfg.KeyFile, cert.KeyPEM, 0600); err != nil {
			return "", fmt.Errorf("write private key: %w", err)
		}
	}

	path := w.configPath()
	f, err := w.Fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("create tunnel config: %w", err)
	}
	if err := cfg.Render(f); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write tunnel config: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write tunnel config: %w", err)
	}

	logger.Debug("Wrote tunnel config %s (connect=%s, iam=%v)", path, cfg.ConnectAddress, w.IAM)
	return path, nil
}

// Remove implements ConfigWriter.
func (w *StunnelWriter) Remove() error {
	for _, path := range []string{w.configPath(), w.PIDPath()} {
		if err := w.Fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return w.Fs.RemoveAll(w.certDir())
}
