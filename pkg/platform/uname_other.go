//go:build !unix

package platform

import "errors"

func kernelPlatform() (string, error) {
	return "", errors.New("uname is not available on this platform")
}
