//go:build !unix

package store

import "errors"

func freeDiskBytes(string) (int64, error) {
	return 0, errors.New("free disk space not supported on this platform")
}
