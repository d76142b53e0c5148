// Package xattrs stores small pieces of metadata (stat summaries, dump
// watermarks, signing state) directly on the filesystem objects they
// describe, using extended attributes. All operations act on the link
// itself rather than its target (NOFOLLOW) since the objects being
// annotated are frequently symlinks mirrored verbatim from a source.
package xattrs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/xattr"
)

// Namespace prefixes used by callers of this package. Kept here so every
// component agrees on a single vocabulary of attribute names.
const (
	// NamespaceUser is prepended automatically by the xattr library on
	// Linux only when the name doesn't already carry a namespace; we
	// always pass fully qualified names so behavior is identical across
	// platforms that support xattrs at all.
	NamespaceUser = "user."
)

// ErrNotSupported is returned when the underlying filesystem does not
// support extended attributes at all (as opposed to the attribute simply
// not being set).
var ErrNotSupported = errors.New("xattrs: operation not supported on this filesystem")

// Get reads the named extended attribute from path, without following a
// trailing symlink. It returns (nil, false, nil) if the attribute is not
// set.
func Get(path, name string) (value []byte, ok bool, err error) {
	value, err = xattr.LGet(path, name)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		if isNotSupported(err) {
			return nil, false, ErrNotSupported
		}
		return nil, false, fmt.Errorf("xattrs: get %s on %s: %w", name, path, err)
	}
	return value, true, nil
}

// GetString is a convenience wrapper around Get for text-valued
// attributes (stat summaries, ISO timestamps).
func GetString(path, name string) (value string, ok bool, err error) {
	b, ok, err := Get(path, name)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(b), true, nil
}

// Set writes the named extended attribute on path, without following a
// trailing symlink. It is a no-op (does not touch the filesystem) if the
// attribute already holds the given value, mirroring the
// update-only-if-changed discipline used for file contents.
func Set(path, name string, value []byte) error {
	current, ok, err := Get(path, name)
	if err != nil && !errors.Is(err, ErrNotSupported) {
		return err
	}
	if ok && string(current) == string(value) {
		return nil
	}
	if err := xattr.LSet(path, name, value); err != nil {
		if isNotSupported(err) {
			return ErrNotSupported
		}
		return fmt.Errorf("xattrs: set %s on %s: %w", name, path, err)
	}
	return nil
}

// SetString is a convenience wrapper around Set for text-valued
// attributes.
func SetString(path, name, value string) error {
	return Set(path, name, []byte(value))
}

// Remove deletes the named extended attribute from path if present. It
// is not an error for the attribute to already be absent.
func Remove(path, name string) error {
	if err := xattr.LRemove(path, name); err != nil {
		if isNotFound(err) {
			return nil
		}
		if isNotSupported(err) {
			return ErrNotSupported
		}
		return fmt.Errorf("xattrs: remove %s on %s: %w", name, path, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var xe *xattr.Error
	if errors.As(err, &xe) {
		return errors.Is(xe.Err, syscall.ENODATA)
	}
	return errors.Is(err, os.ErrNotExist)
}

func isNotSupported(err error) bool {
	var xe *xattr.Error
	if errors.As(err, &xe) {
		return errors.Is(xe.Err, syscall.ENOTSUP) || errors.Is(xe.Err, syscall.EOPNOTSUPP)
	}
	return false
}
