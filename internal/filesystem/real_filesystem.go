package filesystem

import (
	"io/fs"
	"os"
)

// RealFileSystem implements the FileSystem interface using the standard os package.
type RealFileSystem struct{}

// NewRealFileSystem creates a new instance of RealFileSystem.
func NewRealFileSystem() *RealFileSystem {
	return &RealFileSystem{}
}

// ReadFile reads the named file using os.ReadFile.
func (rfs *RealFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes data to the named file using os.WriteFile.
func (rfs *RealFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

// Stat returns a FileInfo using os.Stat.
func (rfs *RealFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// MkdirAll creates a directory using os.MkdirAll.
func (rfs *RealFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// ReadDir reads a directory using os.ReadDir.
func (rfs *RealFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

// Remove removes the named file or directory using os.Remove.
func (rfs *RealFileSystem) Remove(name string) error {
	return os.Remove(name)
}

// RemoveAll removes a path recursively using os.RemoveAll.
func (rfs *RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Rename renames (moves) a file using os.Rename.
func (rfs *RealFileSystem) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Symlink creates a symbolic link using os.Symlink.
func (rfs *RealFileSystem) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

// Readlink resolves a symbolic link using os.Readlink.
func (rfs *RealFileSystem) Readlink(name string) (string, error) {
	return os.Readlink(name)
}

// Chmod changes file permissions using os.Chmod.
func (rfs *RealFileSystem) Chmod(name string, mode fs.FileMode) error {
	return os.Chmod(name, mode)
}
