// Package mount models a single mount invocation: the file system device
// and its -o option string.
package mount

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Recognized option names.
const (
	OptAWSProfile     = "awsprofile"
	OptTLS            = "tls"
	OptIAM            = "iam"
	OptFIPS           = "fips"
	OptRegion         = "region"
	OptPort           = "port"
	OptTLSPort        = "tlsport"
	OptMountTargetIP  = "mounttargetip"
	OptAZ             = "az"
	OptAccessPoint    = "accesspoint"
	OptOCSP           = "ocsp"
	OptNoOCSP         = "noocsp"
	OptVerify         = "verify"
	OptStunnelLogFile = "stunnel_log_file"
)

// DefaultNFSPort is the port of the remote NFS endpoint.
const DefaultNFSPort = 2049

var (
	fsIDPattern          = regexp.MustCompile(`^fs-[0-9a-f]+$`)
	accessPointIDPattern = regexp.MustCompile(`^fsap-[0-9a-f]{8,40}$`)
)

// Options maps option names to values. Flags without a value map to "".
//
// Options are immutable for the duration of one mount attempt; Parse
// returns a fresh map and nothing in this module mutates it afterwards.
type Options map[string]string

// ParseOptions parses a comma separated option string such as
// "tls,iam,awsprofile=dev". Names are lowercased; values are kept verbatim.
func ParseOptions(s string) Options {
	opts := Options{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		name, value, _ := strings.Cut(field, "=")
		opts[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return opts
}

// Has reports whether the option is present, with or without a value.
func (o Options) Has(name string) bool {
	_, ok := o[name]
	return ok
}

// Get returns the option value and whether it is present.
func (o Options) Get(name string) (string, bool) {
	v, ok := o[name]
	return v, ok
}

// Int returns an integer option, or def when absent.
func (o Options) Int(name string, def int) (int, error) {
	v, ok := o[name]
	if !ok {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %q is not an integer", name, v)
	}
	return n, nil
}

// String renders options in a stable order, e.g. for the mount(8) call.
func (o Options) String() string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		if v := o[name]; v != "" {
			parts = append(parts, name+"="+v)
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

// Without returns a copy of o with the named options removed. The helper
// strips its own options before handing the rest to the NFS client.
func (o Options) Without(names ...string) Options {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	out := make(Options, len(o))
	for k, v := range o {
		if !drop[k] {
			out[k] = v
		}
	}
	return out
}

// HelperOptions lists the options consumed by the helper itself.
var HelperOptions = []string{
	OptAWSProfile, OptTLS, OptIAM, OptFIPS, OptRegion, OptTLSPort,
	OptMountTargetIP, OptAZ, OptAccessPoint, OptOCSP, OptNoOCSP, OptVerify,
	OptStunnelLogFile,
}

// Validate checks option combinations that can never succeed.
func (o Options) Validate() error {
	if o.Has(OptOCSP) && o.Has(OptNoOCSP) {
		return errors.New("the ocsp and noocsp options are mutually exclusive")
	}
	if o.Has(OptIAM) && !o.Has(OptTLS) {
		return errors.New("the iam option requires the tls option")
	}
	if o.Has(OptAWSProfile) && !o.Has(OptIAM) {
		return errors.New("the awsprofile option requires the iam option")
	}
	if o.Has(OptAccessPoint) {
		if !o.Has(OptTLS) {
			return errors.New("the accesspoint option requires the tls option")
		}
		if ap, _ := o.Get(OptAccessPoint); !accessPointIDPattern.MatchString(ap) {
			return fmt.Errorf("access point ID %q is malformed", ap)
		}
	}
	if o.Has(OptTLSPort) {
		port, err := o.Int(OptTLSPort, 0)
		if err != nil {
			return err
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("tlsport %d is out of range", port)
		}
	}
	if v, ok := o.Get(OptAWSProfile); ok && v == "" {
		return errors.New("the awsprofile option requires a profile name")
	}
	return nil
}

// Device is the parsed "fs-id:/path" mount source.
type Device struct {
	FileSystemID string
	Path         string
}

// ParseDevice parses a mount source of the form "fs-0123abcd[:/path]".
func ParseDevice(device string) (Device, error) {
	fsID, path, found := strings.Cut(device, ":")
	if !found || path == "" {
		path = "/"
	}

	if !fsIDPattern.MatchString(fsID) {
		return Device{}, fmt.Errorf("invalid file system name: %q", device)
	}
	if !strings.HasPrefix(path, "/") {
		return Device{}, fmt.Errorf("invalid mount path %q: must be absolute", path)
	}

	return Device{FileSystemID: fsID, Path: path}, nil
}

func (d Device) String() string {
	return d.FileSystemID + ":" + d.Path
}

// MountTargetDNSName returns the DNS name of the file system's mount
// target in region, optionally pinned to an availability zone.
func MountTargetDNSName(fsID, region, az string) string {
	name := fmt.Sprintf("%s.efs.%s.%s", fsID, region, dnsSuffix(region))
	if az != "" {
		name = az + "." + name
	}
	return name
}

func dnsSuffix(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "amazonaws.com.cn"
	case strings.HasPrefix(region, "us-iso-"):
		return "c2s.ic.gov"
	case strings.HasPrefix(region, "us-isob-"):
		return "sc2s.sgov.gov"
	default:
		return "amazonaws.com"
	}
}
