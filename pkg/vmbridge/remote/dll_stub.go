//go:build !windows

package remote

import "errors"

// Dial always fails: the console's remote API only exists on Windows.
func Dial() (Session, error) {
	return nil, errors.New("console remote API is not supported on this platform")
}
