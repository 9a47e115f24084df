//go:build !darwin

package permissions

// EnsurePermissions is a no-op on non-macOS platforms; capture devices are
// opened without a consent prompt.
func EnsurePermissions() error {
	return nil
}
