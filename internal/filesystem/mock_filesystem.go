package filesystem

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockFileInfo implements fs.FileInfo for the in-memory filesystem.
type MockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func (mfi *MockFileInfo) Name() string       { return mfi.name }
func (mfi *MockFileInfo) Size() int64        { return mfi.size }
func (mfi *MockFileInfo) Mode() fs.FileMode  { return mfi.mode }
func (mfi *MockFileInfo) ModTime() time.Time { return mfi.modTime }
func (mfi *MockFileInfo) IsDir() bool        { return mfi.isDir }
func (mfi *MockFileInfo) Sys() interface{}   { return nil }

// mockDirEntry adapts a MockFileInfo to fs.DirEntry for ReadDir.
type mockDirEntry struct {
	info *MockFileInfo
}

func (d *mockDirEntry) Name() string               { return d.info.name }
func (d *mockDirEntry) IsDir() bool                { return d.info.isDir }
func (d *mockDirEntry) Type() fs.FileMode          { return d.info.mode.Type() }
func (d *mockDirEntry) Info() (fs.FileInfo, error) { return d.info, nil }

// mockFile is one node in the in-memory tree.
type mockFile struct {
	content []byte
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
	link    string // non-empty for symlinks
}

// MockFileSystem is an in-memory FileSystem with per-path fault injection,
// used throughout the test suites. Paths are normalized to absolute form so
// tests may mix relative and absolute references.
type MockFileSystem struct {
	mu    sync.RWMutex
	nodes map[string]*mockFile

	// errors[op][path] forces the next matching call to fail.
	errors map[string]map[string]error

	// calls[op] counts invocations per operation name.
	calls map[string]int
}

// NewMockFileSystem creates an empty in-memory filesystem.
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		nodes:  make(map[string]*mockFile),
		errors: make(map[string]map[string]error),
		calls:  make(map[string]int),
	}
}

func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// AddFile seeds a regular file.
func (m *MockFileSystem) AddFile(path string, content []byte, mode fs.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(path)
	m.nodes[p] = &mockFile{content: content, mode: mode, modTime: time.Now()}
	m.ensureParentsLocked(p)
}

// AddDir seeds a directory.
func (m *MockFileSystem) AddDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(path)
	m.nodes[p] = &mockFile{mode: 0o755 | fs.ModeDir, modTime: time.Now(), isDir: true}
	m.ensureParentsLocked(p)
}

// FailWith forces the named operation on path to return err.
// Operation names match the FileSystem method names.
func (m *MockFileSystem) FailWith(op, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors[op] == nil {
		m.errors[op] = make(map[string]error)
	}
	m.errors[op][normalize(path)] = err
}

// Calls reports how many times the named operation was invoked.
func (m *MockFileSystem) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Exists reports whether a node is present.
func (m *MockFileSystem) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[normalize(path)]
	return ok
}

func (m *MockFileSystem) ensureParentsLocked(path string) {
	dir := filepath.Dir(path)
	for dir != "/" && dir != "." {
		if _, ok := m.nodes[dir]; !ok {
			m.nodes[dir] = &mockFile{mode: 0o755 | fs.ModeDir, modTime: time.Now(), isDir: true}
		}
		dir = filepath.Dir(dir)
	}
}

func (m *MockFileSystem) injectedLocked(op, path string) error {
	if byPath, ok := m.errors[op]; ok {
		if err, ok := byPath[path]; ok {
			return err
		}
	}
	return nil
}

func (m *MockFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["ReadFile"]++
	if err := m.injectedLocked("ReadFile", p); err != nil {
		return nil, err
	}
	node, ok := m.nodes[p]
	if !ok || node.isDir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(node.content))
	copy(out, node.content)
	return out, nil
}

func (m *MockFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["WriteFile"]++
	if err := m.injectedLocked("WriteFile", p); err != nil {
		return err
	}
	content := make([]byte, len(data))
	copy(content, data)
	mode := perm
	if existing, ok := m.nodes[p]; ok && !existing.isDir {
		mode = existing.mode
	}
	m.nodes[p] = &mockFile{content: content, mode: mode, modTime: time.Now()}
	m.ensureParentsLocked(p)
	return nil
}

func (m *MockFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["Stat"]++
	if err := m.injectedLocked("Stat", p); err != nil {
		return nil, err
	}
	node, ok := m.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &MockFileInfo{
		name:    filepath.Base(p),
		size:    int64(len(node.content)),
		mode:    node.mode,
		modTime: node.modTime,
		isDir:   node.isDir,
	}, nil
}

func (m *MockFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(path)
	m.calls["MkdirAll"]++
	if err := m.injectedLocked("MkdirAll", p); err != nil {
		return err
	}
	m.nodes[p] = &mockFile{mode: perm | fs.ModeDir, modTime: time.Now(), isDir: true}
	m.ensureParentsLocked(p)
	return nil
}

func (m *MockFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["ReadDir"]++
	if err := m.injectedLocked("ReadDir", p); err != nil {
		return nil, err
	}
	if node, ok := m.nodes[p]; !ok || !node.isDir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	var entries []fs.DirEntry
	prefix := p + string(filepath.Separator)
	for path, node := range m.nodes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if strings.Contains(rest, string(filepath.Separator)) {
			continue // not a direct child
		}
		entries = append(entries, &mockDirEntry{info: &MockFileInfo{
			name:    rest,
			size:    int64(len(node.content)),
			mode:    node.mode,
			modTime: node.modTime,
			isDir:   node.isDir,
		}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *MockFileSystem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["Remove"]++
	if err := m.injectedLocked("Remove", p); err != nil {
		return err
	}
	if _, ok := m.nodes[p]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.nodes, p)
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(path)
	m.calls["RemoveAll"]++
	if err := m.injectedLocked("RemoveAll", p); err != nil {
		return err
	}
	prefix := p + string(filepath.Separator)
	for existing := range m.nodes {
		if existing == p || strings.HasPrefix(existing, prefix) {
			delete(m.nodes, existing)
		}
	}
	return nil
}

func (m *MockFileSystem) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := normalize(oldpath)
	np := normalize(newpath)
	m.calls["Rename"]++
	if err := m.injectedLocked("Rename", op); err != nil {
		return err
	}
	node, ok := m.nodes[op]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrNotExist}
	}
	delete(m.nodes, op)
	m.nodes[np] = node
	m.ensureParentsLocked(np)
	return nil
}

func (m *MockFileSystem) Symlink(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	np := normalize(newname)
	m.calls["Symlink"]++
	if err := m.injectedLocked("Symlink", np); err != nil {
		return err
	}
	if _, ok := m.nodes[np]; ok {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: fs.ErrExist}
	}
	m.nodes[np] = &mockFile{mode: 0o777 | fs.ModeSymlink, modTime: time.Now(), link: oldname}
	m.ensureParentsLocked(np)
	return nil
}

func (m *MockFileSystem) Readlink(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["Readlink"]++
	if err := m.injectedLocked("Readlink", p); err != nil {
		return "", err
	}
	node, ok := m.nodes[p]
	if !ok || node.link == "" {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	return node.link, nil
}

func (m *MockFileSystem) Chmod(name string, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalize(name)
	m.calls["Chmod"]++
	if err := m.injectedLocked("Chmod", p); err != nil {
		return err
	}
	node, ok := m.nodes[p]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrNotExist}
	}
	node.mode = (node.mode & fs.ModeType) | (mode & fs.ModePerm)
	return nil
}

// Mode returns the stored mode bits for a path, for test assertions.
func (m *MockFileSystem) Mode(path string) (fs.FileMode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[normalize(path)]
	if !ok {
		return 0, false
	}
	return node.mode, true
}
