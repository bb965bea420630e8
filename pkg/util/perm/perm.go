// Package perm checks that secret-bearing files are private to their owner.
package perm

import (
	"errors"
	"fmt"
	"os"
)

var ErrPermissions = errors.New("perm: file is not private")

// Check0600 requires path to be a regular file with mode -rw-------.
func Check0600(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrPermissions, path)
	}
	if mode := st.Mode().Perm(); mode != 0o600 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ErrPermissions, path, mode)
	}
	return nil
}
