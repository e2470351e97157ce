// Package filesystem implements the guest's private filesystem: a directory
// tree confined to one host root, an open-file table and WASI errno mapping.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	// RootFD 是永久预打开的沙箱根目录。
	RootFD int32 = 3
	// RootName is what fd_prestat_dir_name reports for RootFD.
	RootName = "/"

	firstFD int32 = 4
)

// Filetype values from WASI preview1.
const (
	FiletypeUnknown      uint8 = 0
	FiletypeDirectory    uint8 = 3
	FiletypeRegularFile  uint8 = 4
	FiletypeSymbolicLink uint8 = 7
)

// OFlags are path_open's open flags.
type OFlags uint16

const (
	OFlagCreat     OFlags = 1 << 0
	OFlagDirectory OFlags = 1 << 1
	OFlagExcl      OFlags = 1 << 2
	OFlagTrunc     OFlags = 1 << 3
)

// FDFlags are the descriptor flags; only append changes behavior here.
type FDFlags uint16

const FDFlagAppend FDFlags = 1 << 0

type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCur
	WhenceEnd
)

// Filestat mirrors the preview1 filestat record.
type Filestat struct {
	Dev      uint64
	Ino      uint64
	Filetype uint8
	Nlink    uint64
	Size     uint64
	Atim     uint64
	Mtim     uint64
	Ctim     uint64
}

// Dirent is one readdir entry. Next is the cookie of the following entry.
type Dirent struct {
	Next uint64
	Ino  uint64
	Type uint8
	Name string
}

// OpenFile is an entry of the open-file table. Every open owns its cursor,
// so two opens of the same path never share a position.
type OpenFile struct {
	FD    int32
	Path  string
	IsDir bool
	Flags FDFlags

	mu   sync.Mutex
	file *os.File
	pos  int64
}

type options struct {
	logger *zap.Logger
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Sandbox is one guest's filesystem. It is created per loaded guest and
// closed at unload.
type Sandbox struct {
	root   string
	real   string
	logger *zap.Logger

	mu    sync.Mutex
	files map[int32]*OpenFile
	next  int32
}

// New creates the sandbox rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Sandbox, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	s := &Sandbox{
		root:   filepath.Clean(abs),
		real:   resolved,
		logger: o.logger,
		files:  make(map[int32]*OpenFile),
		next:   firstFD,
	}
	s.files[RootFD] = &OpenFile{FD: RootFD, Path: "", IsDir: true}
	return s, nil
}

func (s *Sandbox) Root() string { return s.root }

// Lookup returns the open file for fd or EBADF.
func (s *Sandbox) Lookup(fd int32) (*OpenFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fd]
	if !ok {
		return nil, ErrnoBadf
	}
	return f, nil
}

func (s *Sandbox) dir(fd int32) (*OpenFile, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return nil, err
	}
	if !f.IsDir {
		return nil, ErrnoNotdir
	}
	return f, nil
}

func (s *Sandbox) add(f *OpenFile) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.next
	s.next++
	f.FD = fd
	s.files[fd] = f
	return fd
}

// Open implements path_open relative to the directory dirFD.
func (s *Sandbox) Open(dirFD int32, path string, oflags OFlags, fdflags FDFlags) (int32, error) {
	d, err := s.dir(dirFD)
	if err != nil {
		return 0, err
	}
	rel, host, err := s.Resolve(d.Path, path)
	if err != nil {
		return 0, err
	}

	fi, statErr := os.Stat(host)
	exists := statErr == nil
	if oflags&OFlagExcl != 0 && exists {
		return 0, ErrnoExist
	}
	if !exists && oflags&OFlagCreat != 0 {
		if oflags&OFlagDirectory != 0 {
			err = os.Mkdir(host, 0o755)
		} else {
			var f *os.File
			if f, err = os.OpenFile(host, os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				err = f.Close()
			}
		}
		if err != nil && !errors.Is(err, os.ErrExist) {
			return 0, ToErrno(err)
		}
		fi, statErr = os.Stat(host)
	}
	if statErr != nil {
		return 0, ToErrno(statErr)
	}
	if oflags&OFlagDirectory != 0 && !fi.IsDir() {
		return 0, ErrnoNotdir
	}

	of := &OpenFile{Path: rel, IsDir: fi.IsDir(), Flags: fdflags}
	if !of.IsDir {
		f, err := os.OpenFile(host, os.O_RDWR, 0)
		if errors.Is(err, os.ErrPermission) {
			f, err = os.OpenFile(host, os.O_RDONLY, 0)
		}
		if err != nil {
			return 0, ToErrno(err)
		}
		if oflags&OFlagTrunc != 0 && fi.Mode().IsRegular() {
			if err := f.Truncate(0); err != nil {
				_ = f.Close()
				return 0, ToErrno(err)
			}
		}
		of.file = f
	}
	fd := s.add(of)
	s.logger.Debug("path_open", zap.String("path", rel), zap.Int32("fd", fd), zap.Bool("dir", of.IsDir))
	return fd, nil
}

// CloseFD implements fd_close. The root descriptor cannot be closed.
func (s *Sandbox) CloseFD(fd int32) error {
	if fd == RootFD {
		return ErrnoBadf
	}
	s.mu.Lock()
	f, ok := s.files[fd]
	delete(s.files, fd)
	s.mu.Unlock()
	if !ok {
		return ErrnoBadf
	}
	if f.file != nil {
		return ToErrno(f.file.Close())
	}
	return nil
}

func (s *Sandbox) regular(fd int32) (*OpenFile, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return nil, err
	}
	if f.IsDir {
		return nil, ErrnoIsdir
	}
	return f, nil
}

// Read reads from the file's cursor and advances it.
func (s *Sandbox) Read(fd int32, p []byte) (int, error) {
	f, err := s.regular(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.file.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, ToErrno(err)
	}
	return n, nil
}

// Write writes at the cursor, or at the end of file for append descriptors.
func (s *Sandbox) Write(fd int32, p []byte) (int, error) {
	f, err := s.regular(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Flags&FDFlagAppend != 0 {
		fi, err := f.file.Stat()
		if err != nil {
			return 0, ToErrno(err)
		}
		f.pos = fi.Size()
	}
	n, err := f.file.WriteAt(p, f.pos)
	f.pos += int64(n)
	if err != nil {
		return n, ToErrno(err)
	}
	return n, nil
}

// Seek moves the cursor and returns the new position.
func (s *Sandbox) Seek(fd int32, offset int64, whence Whence) (int64, error) {
	f, err := s.regular(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case WhenceSet:
	case WhenceCur:
		base = f.pos
	case WhenceEnd:
		fi, err := f.file.Stat()
		if err != nil {
			return 0, ToErrno(err)
		}
		base = fi.Size()
	default:
		return 0, ErrnoInval
	}
	if base+offset < 0 {
		return 0, ErrnoInval
	}
	f.pos = base + offset
	return f.pos, nil
}

func (s *Sandbox) Tell(fd int32) (int64, error) {
	return s.Seek(fd, 0, WhenceCur)
}

// SetSize truncates or extends the file. The cursor is left untouched.
func (s *Sandbox) SetSize(fd int32, size int64) error {
	f, err := s.regular(fd)
	if err != nil {
		return err
	}
	if size < 0 {
		return ErrnoInval
	}
	return ToErrno(f.file.Truncate(size))
}

// Stat implements fd_filestat_get.
func (s *Sandbox) Stat(fd int32) (Filestat, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return Filestat{}, err
	}
	var fi os.FileInfo
	if f.file != nil {
		fi, err = f.file.Stat()
	} else {
		fi, err = os.Stat(filepath.Join(s.root, filepath.FromSlash(f.Path)))
	}
	if err != nil {
		return Filestat{}, ToErrno(err)
	}
	return toFilestat(fi), nil
}

// StatAt implements path_filestat_get.
func (s *Sandbox) StatAt(dirFD int32, path string) (Filestat, error) {
	host, err := s.hostPath(dirFD, path)
	if err != nil {
		return Filestat{}, err
	}
	fi, err := os.Stat(host)
	if err != nil {
		return Filestat{}, ToErrno(err)
	}
	return toFilestat(fi), nil
}

func (s *Sandbox) hostPath(dirFD int32, path string) (string, error) {
	d, err := s.dir(dirFD)
	if err != nil {
		return "", err
	}
	_, host, err := s.Resolve(d.Path, path)
	return host, err
}

func (s *Sandbox) Mkdir(dirFD int32, path string) error {
	host, err := s.hostPath(dirFD, path)
	if err != nil {
		return err
	}
	return ToErrno(os.Mkdir(host, 0o755))
}

// Unlink removes a file. Directories fail with EISDIR.
func (s *Sandbox) Unlink(dirFD int32, path string) error {
	host, err := s.hostPath(dirFD, path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(host)
	if err != nil {
		return ToErrno(err)
	}
	if fi.IsDir() {
		return ErrnoIsdir
	}
	return ToErrno(os.Remove(host))
}

// Rmdir removes an empty directory.
func (s *Sandbox) Rmdir(dirFD int32, path string) error {
	host, err := s.hostPath(dirFD, path)
	if err != nil {
		return err
	}
	if host == s.root {
		return ErrnoBusy
	}
	fi, err := os.Stat(host)
	if err != nil {
		return ToErrno(err)
	}
	if !fi.IsDir() {
		return ErrnoNotdir
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return ToErrno(err)
	}
	if len(entries) > 0 {
		return ErrnoNotempty
	}
	return ToErrno(os.Remove(host))
}

func (s *Sandbox) Rename(oldDirFD int32, oldPath string, newDirFD int32, newPath string) error {
	from, err := s.hostPath(oldDirFD, oldPath)
	if err != nil {
		return err
	}
	to, err := s.hostPath(newDirFD, newPath)
	if err != nil {
		return err
	}
	if from == s.root || to == s.root {
		return ErrnoBusy
	}
	return ToErrno(os.Rename(from, to))
}

// ReadDir lists a directory starting at cookie, the index of the first
// entry to return. Entries are sorted by name.
func (s *Sandbox) ReadDir(fd int32, cookie uint64) ([]Dirent, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return nil, err
	}
	if !f.IsDir {
		return nil, ErrnoNotdir
	}
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(f.Path)))
	if err != nil {
		return nil, ToErrno(err)
	}
	if cookie >= uint64(len(entries)) {
		return nil, nil
	}
	out := make([]Dirent, 0, uint64(len(entries))-cookie)
	for i := cookie; i < uint64(len(entries)); i++ {
		e := entries[i]
		d := Dirent{Next: i + 1, Name: e.Name(), Type: FiletypeRegularFile}
		if e.IsDir() {
			d.Type = FiletypeDirectory
		} else if e.Type()&os.ModeSymlink != 0 {
			d.Type = FiletypeSymbolicLink
		}
		if fi, err := e.Info(); err == nil {
			_, d.Ino, _ = statIDs(fi)
		}
		out = append(out, d)
	}
	return out, nil
}

// Filetype reports the preview1 filetype and flags of fd.
func (s *Sandbox) Filetype(fd int32) (uint8, FDFlags, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return 0, 0, err
	}
	if f.IsDir {
		return FiletypeDirectory, f.Flags, nil
	}
	return FiletypeRegularFile, f.Flags, nil
}

// Len returns the number of open descriptors, the root included.
func (s *Sandbox) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Close closes every open file. The sandbox directory itself is kept.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = map[int32]*OpenFile{RootFD: files[RootFD]}
	s.mu.Unlock()

	var errs []error
	for _, f := range files {
		if f.file != nil {
			errs = append(errs, f.file.Close())
		}
	}
	return errors.Join(errs...)
}

func toFilestat(fi os.FileInfo) Filestat {
	dev, ino, nlink := statIDs(fi)
	ft := FiletypeUnknown
	switch {
	case fi.IsDir():
		ft = FiletypeDirectory
	case fi.Mode().IsRegular():
		ft = FiletypeRegularFile
	case fi.Mode()&os.ModeSymlink != 0:
		ft = FiletypeSymbolicLink
	}
	mtim := uint64(fi.ModTime().UnixNano())
	return Filestat{
		Dev:      dev,
		Ino:      ino,
		Filetype: ft,
		Nlink:    nlink,
		Size:     uint64(fi.Size()),
		Atim:     mtim,
		Mtim:     mtim,
		Ctim:     mtim,
	}
}
