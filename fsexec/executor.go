// Package fsexec performs the filesystem I/O behind file effects.
//
// Reads buffer the whole file. Writes create missing parent directories,
// then replace the file contents wholesale. There is no fsync, atomic rename
// or partial-write recovery; durability is whatever the backing fs provides.
package fsexec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Default permissions for created files and directories.
const (
	DefaultFileMode os.FileMode = 0o644
	DefaultDirMode  os.FileMode = 0o755
)

// ErrRead is the single failure surfaced by Read.
var ErrRead = errors.New("read failed")

// WriteStage identifies which step of a write failed.
type WriteStage int

const (
	// StageMkdir indicates parent directory creation failed; no write was attempted.
	StageMkdir WriteStage = iota
	// StageWrite indicates the file write itself failed.
	StageWrite
)

func (s WriteStage) String() string {
	switch s {
	case StageMkdir:
		return "mkdir"
	case StageWrite:
		return "write"
	default:
		return "unknown"
	}
}

// WriteError is returned by Write.
type WriteError struct {
	Stage WriteStage
	Path  string
	Err   error
}

func (e *WriteError) Error() string {
	if e.Stage == StageMkdir {
		return fmt.Sprintf("create parent directories of %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsMkdirError returns true if err is a directory creation failure.
func IsMkdirError(err error) bool {
	var wErr *WriteError
	if errors.As(err, &wErr) {
		return wErr.Stage == StageMkdir
	}
	return false
}

// Executor runs reads and writes against an afero filesystem.
// It holds no per-request state; callers serialize operations.
type Executor struct {
	fs       afero.Fs
	fileMode os.FileMode
	dirMode  os.FileMode
}

// Option configures an Executor.
type Option func(*Executor)

// WithFileMode sets the permission bits for written files.
func WithFileMode(mode os.FileMode) Option {
	return func(e *Executor) { e.fileMode = mode }
}

// WithDirMode sets the permission bits for created directories.
func WithDirMode(mode os.FileMode) Option {
	return func(e *Executor) { e.dirMode = mode }
}

// New creates an executor over fsys.
func New(fsys afero.Fs, opts ...Option) *Executor {
	e := &Executor{
		fs:       fsys,
		fileMode: DefaultFileMode,
		dirMode:  DefaultDirMode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FSOptions selects how the host filesystem is exposed to the executor.
type FSOptions struct {
	// Root confines all paths beneath this directory when non-empty.
	Root string
	// ReadOnly rejects every write and directory creation.
	ReadOnly bool
}

// Backend names the filesystem layering for logs and metrics,
// e.g. "os", "basepath" or "basepath+readonly".
func (o FSOptions) Backend() string {
	backend := "os"
	if o.Root != "" {
		backend = "basepath"
	}
	if o.ReadOnly {
		backend += "+readonly"
	}
	return backend
}

// NewFS builds the afero filesystem described by opts on top of base.
func NewFS(base afero.Fs, opts FSOptions) afero.Fs {
	fsys := base
	if opts.Root != "" {
		fsys = afero.NewBasePathFs(fsys, opts.Root)
	}
	if opts.ReadOnly {
		fsys = afero.NewReadOnlyFs(fsys)
	}
	return fsys
}

// Read returns the entire contents of path.
// Every failure (missing, permission, is a directory) collapses to ErrRead.
func (e *Executor) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
	}
	return data, nil
}

// Write replaces the contents of path, creating missing parent directories
// first. If the directories cannot be ensured the write is not attempted.
func (e *Executor) Write(path string, contents []byte) error {
	if err := e.ensureParent(path); err != nil {
		return &WriteError{Stage: StageMkdir, Path: path, Err: err}
	}
	if err := afero.WriteFile(e.fs, path, contents, e.fileMode); err != nil {
		return &WriteError{Stage: StageWrite, Path: path, Err: err}
	}
	return nil
}

// ensureParent creates the parent directory chain of path if it is missing.
// An existing parent directory is left untouched.
func (e *Executor) ensureParent(path string) error {
	parent := filepath.Dir(path)
	if parent == "." || parent == path {
		return nil
	}
	if info, err := e.fs.Stat(parent); err == nil && info.IsDir() {
		return nil
	}
	return e.fs.MkdirAll(parent, e.dirMode)
}
