package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/efs/types"
	"github.com/aws/smithy-go"
	"github.com/marmos91/efsmount/internal/logger"
)

// ErrNoAddress is returned when no address of a mount target is known.
var ErrNoAddress = errors.New("no address found for mount target")

// HostResolver resolves host names. *net.Resolver implements it.
type HostResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// MountTargetAPI is the part of the EFS API used to find mount target IPs.
type MountTargetAPI interface {
	DescribeMountTargets(ctx context.Context, params *efs.DescribeMountTargetsInput, optFns ...func(*efs.Options)) (*efs.DescribeMountTargetsOutput, error)
}

// GetIPv6Addresses returns the IPv6 addresses of host in resolution
// order. Resolution failures and hosts without IPv6 addresses yield an
// empty, non-nil slice so callers can fall back to IPv4 unconditionally.
func GetIPv6Addresses(ctx context.Context, resolver HostResolver, host string) []string {
	return lookup(ctx, resolver, "ip6", host)
}

// GetIPv4Addresses is the IPv4 counterpart of GetIPv6Addresses.
func GetIPv4Addresses(ctx context.Context, resolver HostResolver, host string) []string {
	return lookup(ctx, resolver, "ip4", host)
}

func lookup(ctx context.Context, resolver HostResolver, network, host string) []string {
	addrs := []string{}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	ips, err := resolver.LookupIP(ctx, network, host)
	if err != nil {
		logger.Debug("Failed to resolve %s (%s): %v", host, network, err)
		return addrs
	}

	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// AddressRequest describes how to find the addresses of a mount target.
type AddressRequest struct {
	// Host is the mount target DNS name
	Host string

	// Resolver resolves Host (nil uses net.DefaultResolver)
	Resolver HostResolver

	// FileSystemID and AvailabilityZone select the mount target when DNS
	// resolution fails
	FileSystemID     string
	AvailabilityZone string

	// MountTargets, when set, enables the EFS API fallback
	MountTargets MountTargetAPI
}

// TargetAddresses returns the addresses of a mount target: IPv6 first,
// then IPv4, then the mount target IP reported by the EFS API.
//
// Returns:
//   - []string: At least one address on success
//   - error: ErrNoAddress (wrapped) when every source came up empty
func TargetAddresses(ctx context.Context, req AddressRequest) ([]string, error) {
	addrs := GetIPv6Addresses(ctx, req.Resolver, req.Host)
	addrs = append(addrs, GetIPv4Addresses(ctx, req.Resolver, req.Host)...)
	if len(addrs) > 0 {
		return addrs, nil
	}

	if req.MountTargets == nil {
		return nil, fmt.Errorf("%w: %s does not resolve", ErrNoAddress, req.Host)
	}

	logger.Info("Failed to resolve %s, falling back to the mount target IP address", req.Host)
	ip, err := MountTargetIP(ctx, req.MountTargets, req.FileSystemID, req.AvailabilityZone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not resolve and the mount target lookup failed: %v",
			ErrNoAddress, req.Host, err)
	}

	return []string{ip}, nil
}

// MountTargetIP returns the IP address of an available mount target of
// the file system, preferring the given availability zone.
func MountTargetIP(ctx context.Context, api MountTargetAPI, fsID, az string) (string, error) {
	out, err := api.DescribeMountTargets(ctx, &efs.DescribeMountTargetsInput{
		FileSystemId: aws.String(fsID),
	})
	if err != nil {
		return "", describeError(fsID, err)
	}

	var fallback string
	for _, mt := range out.MountTargets {
		if mt.LifeCycleState != types.LifeCycleStateAvailable {
			continue
		}
		ip := aws.ToString(mt.IpAddress)
		if ip == "" {
			continue
		}
		if az == "" || aws.ToString(mt.AvailabilityZoneName) == az {
			return ip, nil
		}
		if fallback == "" {
			fallback = ip
		}
	}

	if fallback != "" {
		logger.Warn("No mount target of %s in %s, using a mount target in another availability zone", fsID, az)
		return fallback, nil
	}
	return "", fmt.Errorf("file system %s has no available mount target", fsID)
}

// describeError turns EFS API errors into operator-facing messages.
func describeError(fsID string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("describe mount targets of %s: %w", fsID, err)
	}

	switch apiErr.ErrorCode() {
	case "FileSystemNotFound":
		return fmt.Errorf("file system %s does not exist: %w", fsID, err)
	case "AccessDeniedException", "AccessDenied":
		return fmt.Errorf("not authorized to describe the mount targets of %s: %w", fsID, err)
	default:
		return fmt.Errorf("describe mount targets of %s failed (%s): %w", fsID, apiErr.ErrorCode(), err)
	}
}
