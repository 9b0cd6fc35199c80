//go:build !unix

package keyring

// lockPath is a no-op where flock is unavailable; key creation there relies
// on the O_EXCL create in the file backend.
func lockPath(string) (unlock func(), err error) {
	return func() {}, nil
}
