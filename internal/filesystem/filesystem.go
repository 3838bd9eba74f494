package filesystem

import (
	"io/fs"
)

// FileSystem defines an interface for interacting with the filesystem.
// Keeping the harness behind this interface decouples the queue, store and
// overlay logic from the os package and lets tests inject an in-memory
// implementation with fault injection.
type FileSystem interface {
	// ReadFile reads the named file and returns the contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	// Existing files are truncated before writing.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory named path along with any necessary
	// parents.
	MkdirAll(path string, perm fs.FileMode) error

	// ReadDir reads the named directory and returns its entries sorted by
	// filename.
	ReadDir(name string) ([]fs.DirEntry, error)

	// Remove removes the named file or (empty) directory.
	Remove(name string) error

	// RemoveAll removes path and any children it contains.
	RemoveAll(path string) error

	// Rename renames (moves) oldpath to newpath. If newpath already exists
	// and is not a directory, Rename replaces it.
	Rename(oldpath, newpath string) error

	// Symlink creates newname as a symbolic link to oldname.
	Symlink(oldname, newname string) error

	// Readlink returns the destination of the named symbolic link.
	Readlink(name string) (string, error)

	// Chmod changes the mode of the named file.
	Chmod(name string, mode fs.FileMode) error
}
