// Package wasip1 serves the wasi_snapshot_preview1 imports on top of the
// sandboxed filesystem.
package wasip1

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/OpenListTeam/wazero-agenthost/manager/filesystem"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const ModuleName = "wasi_snapshot_preview1"

const (
	fdStdin  int32 = 0
	fdStdout int32 = 1
	fdStderr int32 = 2
)

const (
	clockRealtime uint32 = iota
	clockMonotonic
	clockProcessCPU
	clockThreadCPU
)

const (
	filetypeCharacterDevice uint8 = 2

	filestatSize = 64
	fdstatSize   = 24
	direntSize   = 24

	rightsAll = ^uint64(0)
)

// Module holds the state behind the preview1 imports of one guest.
type Module struct {
	fs     *filesystem.Sandbox
	stdout io.Writer
	stderr io.Writer
	rand   io.Reader
	logger *zap.Logger
	start  time.Time
	now    func() time.Time
}

type Option func(*Module)

func WithStdout(w io.Writer) Option { return func(m *Module) { m.stdout = w } }

func WithStderr(w io.Writer) Option { return func(m *Module) { m.stderr = w } }

// WithRandom replaces crypto/rand as the source of random_get.
func WithRandom(r io.Reader) Option { return func(m *Module) { m.rand = r } }

func WithLogger(l *zap.Logger) Option { return func(m *Module) { m.logger = l } }

func New(fs *filesystem.Sandbox, opts ...Option) *Module {
	m := &Module{
		fs:     fs,
		stdout: io.Discard,
		stderr: io.Discard,
		rand:   rand.Reader,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.start = m.now()
	return m
}

// Instantiate registers the host module in rt.
func (m *Module) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(ModuleName)
	m.Export(witgo.NewExporter(b))
	_, err := b.Instantiate(ctx)
	return err
}

// handler 是带 errno 返回值的处理函数，stack 中是已经展开的参数。
type handler func(ctx context.Context, mem *witgo.Memory, stack []uint64) error

func (m *Module) wrap(name string, h handler) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		err := h(ctx, witgo.NewMemory(ctx, mod), stack)
		errno := filesystem.ToErrno(err)
		if errors.Is(err, witgo.ErrOutOfBounds) || errors.Is(err, witgo.ErrNoMemory) {
			errno = filesystem.ErrnoFault
			m.logger.Warn("guest memory fault", zap.String("func", name), zap.Error(err))
		} else if errors.Is(err, witgo.ErrInvalidUTF8) {
			errno = filesystem.ErrnoInval
		}
		stack[0] = uint64(errno)
	}
}

func nosys(context.Context, *witgo.Memory, []uint64) error { return filesystem.ErrnoNosys }

// Export registers every preview1 function on e. Functions the host does
// not support still resolve and report ENOSYS.
func (m *Module) Export(e *witgo.Exporter) {
	const i32, i64 = witgo.I32, witgo.I64
	errno := []api.ValueType{i32}
	fn := func(name string, h handler, params ...api.ValueType) {
		e.Export(name, m.wrap(name, h), params, errno)
	}

	fn("args_get", m.emptyList, i32, i32)
	fn("args_sizes_get", m.emptySizes, i32, i32)
	fn("environ_get", m.emptyList, i32, i32)
	fn("environ_sizes_get", m.emptySizes, i32, i32)
	fn("clock_res_get", m.clockResGet, i32, i32)
	fn("clock_time_get", m.clockTimeGet, i32, i64, i32)
	fn("fd_advise", m.fdNoop, i32, i64, i64, i32)
	fn("fd_allocate", nosys, i32, i64, i64)
	fn("fd_close", m.fdClose, i32)
	fn("fd_datasync", m.fdNoop, i32)
	fn("fd_fdstat_get", m.fdFdstatGet, i32, i32)
	fn("fd_fdstat_set_flags", nosys, i32, i32)
	fn("fd_fdstat_set_rights", nosys, i32, i64, i64)
	fn("fd_filestat_get", m.fdFilestatGet, i32, i32)
	fn("fd_filestat_set_size", m.fdFilestatSetSize, i32, i64)
	fn("fd_filestat_set_times", nosys, i32, i64, i64, i32)
	fn("fd_pread", nosys, i32, i32, i32, i64, i32)
	fn("fd_prestat_get", m.fdPrestatGet, i32, i32)
	fn("fd_prestat_dir_name", m.fdPrestatDirName, i32, i32, i32)
	fn("fd_pwrite", nosys, i32, i32, i32, i64, i32)
	fn("fd_read", m.fdRead, i32, i32, i32, i32)
	fn("fd_readdir", m.fdReaddir, i32, i32, i32, i64, i32)
	fn("fd_renumber", nosys, i32, i32)
	fn("fd_seek", m.fdSeek, i32, i64, i32, i32)
	fn("fd_sync", m.fdNoop, i32)
	fn("fd_tell", m.fdTell, i32, i32)
	fn("fd_write", m.fdWrite, i32, i32, i32, i32)
	fn("path_create_directory", m.pathCreateDirectory, i32, i32, i32)
	fn("path_filestat_get", m.pathFilestatGet, i32, i32, i32, i32, i32)
	fn("path_filestat_set_times", nosys, i32, i32, i32, i32, i64, i64, i32)
	fn("path_link", noent, i32, i32, i32, i32, i32, i32, i32)
	fn("path_open", m.pathOpen, i32, i32, i32, i32, i32, i64, i64, i32, i32)
	fn("path_readlink", noent, i32, i32, i32, i32, i32, i32)
	fn("path_remove_directory", m.pathRemoveDirectory, i32, i32, i32)
	fn("path_rename", m.pathRename, i32, i32, i32, i32, i32, i32)
	fn("path_symlink", nosys, i32, i32, i32, i32, i32)
	fn("path_unlink_file", m.pathUnlinkFile, i32, i32, i32)
	fn("poll_oneoff", m.pollOneoff, i32, i32, i32, i32)
	fn("proc_raise", nosys, i32)
	fn("sched_yield", func(context.Context, *witgo.Memory, []uint64) error { return nil })
	fn("random_get", m.randomGet, i32, i32)
	fn("sock_accept", nosys, i32, i32, i32)
	fn("sock_recv", nosys, i32, i32, i32, i32, i32, i32)
	fn("sock_send", nosys, i32, i32, i32, i32, i32)
	fn("sock_shutdown", nosys, i32, i32)

	e.Export("proc_exit", m.procExit, []api.ValueType{i32}, nil)
}

func noent(context.Context, *witgo.Memory, []uint64) error { return filesystem.ErrnoNoent }

func (m *Module) procExit(ctx context.Context, mod api.Module, stack []uint64) {
	code := api.DecodeU32(stack[0])
	m.logger.Debug("proc_exit", zap.Uint32("code", code))
	panic(sys.NewExitError(code))
}

// args and environ are always empty.
func (m *Module) emptyList(context.Context, *witgo.Memory, []uint64) error { return nil }

func (m *Module) emptySizes(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	if err := mem.PutU32(api.DecodeU32(stack[0]), 0); err != nil {
		return err
	}
	return mem.PutU32(api.DecodeU32(stack[1]), 0)
}

func (m *Module) clockResGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	switch api.DecodeU32(stack[0]) {
	case clockRealtime, clockMonotonic, clockProcessCPU, clockThreadCPU:
		return mem.PutU64(api.DecodeU32(stack[1]), 1)
	}
	return filesystem.ErrnoInval
}

func (m *Module) clockTimeGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	var ns uint64
	switch api.DecodeU32(stack[0]) {
	case clockRealtime:
		ns = uint64(m.now().UnixNano())
	case clockMonotonic, clockProcessCPU, clockThreadCPU:
		ns = uint64(m.now().Sub(m.start).Nanoseconds())
	default:
		return filesystem.ErrnoInval
	}
	return mem.PutU64(api.DecodeU32(stack[2]), ns)
}

func (m *Module) randomGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	buf, err := mem.View(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return filesystem.ErrnoIO
	}
	return nil
}

func isStdio(fd int32) bool { return fd >= fdStdin && fd <= fdStderr }

func (m *Module) fdNoop(_ context.Context, _ *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	if isStdio(fd) {
		return nil
	}
	_, err := m.fs.Lookup(fd)
	return err
}

func (m *Module) fdClose(_ context.Context, _ *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	if isStdio(fd) {
		return nil
	}
	return m.fs.CloseFD(fd)
}

func (m *Module) fdFdstatGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	var (
		ft    = filetypeCharacterDevice
		flags filesystem.FDFlags
		err   error
	)
	if !isStdio(fd) {
		if ft, flags, err = m.fs.Filetype(fd); err != nil {
			return err
		}
	}
	var buf [fdstatSize]byte
	buf[0] = ft
	binary.LittleEndian.PutUint16(buf[2:], uint16(flags))
	binary.LittleEndian.PutUint64(buf[8:], rightsAll)
	binary.LittleEndian.PutUint64(buf[16:], rightsAll)
	return mem.PutBytes(api.DecodeU32(stack[1]), buf[:])
}

func putFilestat(mem *witgo.Memory, ptr uint32, st filesystem.Filestat) error {
	var buf [filestatSize]byte
	binary.LittleEndian.PutUint64(buf[0:], st.Dev)
	binary.LittleEndian.PutUint64(buf[8:], st.Ino)
	buf[16] = st.Filetype
	binary.LittleEndian.PutUint64(buf[24:], st.Nlink)
	binary.LittleEndian.PutUint64(buf[32:], st.Size)
	binary.LittleEndian.PutUint64(buf[40:], st.Atim)
	binary.LittleEndian.PutUint64(buf[48:], st.Mtim)
	binary.LittleEndian.PutUint64(buf[56:], st.Ctim)
	return mem.PutBytes(ptr, buf[:])
}

func (m *Module) fdFilestatGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	st := filesystem.Filestat{Filetype: filetypeCharacterDevice}
	if !isStdio(fd) {
		var err error
		if st, err = m.fs.Stat(fd); err != nil {
			return err
		}
	}
	return putFilestat(mem, api.DecodeU32(stack[1]), st)
}

func (m *Module) fdFilestatSetSize(_ context.Context, _ *witgo.Memory, stack []uint64) error {
	return m.fs.SetSize(int32(api.DecodeU32(stack[0])), int64(stack[1]))
}

// Only the sandbox root is preopened.
func (m *Module) fdPrestatGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	if int32(api.DecodeU32(stack[0])) != filesystem.RootFD {
		return filesystem.ErrnoBadf
	}
	ptr := api.DecodeU32(stack[1])
	if err := mem.PutU32(ptr, 0); err != nil {
		return err
	}
	return mem.PutU32(ptr+4, uint32(len(filesystem.RootName)))
}

func (m *Module) fdPrestatDirName(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	if int32(api.DecodeU32(stack[0])) != filesystem.RootFD {
		return filesystem.ErrnoBadf
	}
	if api.DecodeU32(stack[2]) < uint32(len(filesystem.RootName)) {
		return filesystem.ErrnoNametoolong
	}
	return mem.PutBytes(api.DecodeU32(stack[1]), []byte(filesystem.RootName))
}

// iovecs returns views of the guest buffers listed at ptr.
func iovecs(mem *witgo.Memory, ptr, n uint32) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := range n {
		base, size, err := mem.ReadPair(ptr + i*8)
		if err != nil {
			return nil, err
		}
		b, err := mem.View(base, size)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Module) fdRead(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	bufs, err := iovecs(mem, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if err != nil {
		return err
	}
	var total uint32
	if fd != fdStdin {
		if isStdio(fd) {
			return filesystem.ErrnoBadf
		}
		total, err = readv(bufs, func(b []byte) (int, error) { return m.fs.Read(fd, b) })
		if err != nil {
			return err
		}
	}
	return mem.PutU32(api.DecodeU32(stack[3]), total)
}

// readv fills bufs in order and stops at the first short read. An error
// after some bytes were read is dropped: the caller gets the count, and the
// next call reports the error again.
func readv(bufs [][]byte, read func([]byte) (int, error)) (uint32, error) {
	var total uint32
	for _, b := range bufs {
		n, err := read(b)
		total += uint32(n)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// writev 与 readv 相同：部分写入后出错时只返回已写入的字节数。
func writev(bufs [][]byte, write func([]byte) (int, error)) (uint32, error) {
	var total uint32
	for _, b := range bufs {
		n, err := write(b)
		total += uint32(n)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
	}
	return total, nil
}

func (m *Module) fdWrite(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	bufs, err := iovecs(mem, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if err != nil {
		return err
	}
	var write func([]byte) (int, error)
	switch fd {
	case fdStdin:
		return filesystem.ErrnoBadf
	case fdStdout:
		write = m.stdout.Write
	case fdStderr:
		write = m.stderr.Write
	default:
		write = func(b []byte) (int, error) { return m.fs.Write(fd, b) }
	}
	total, err := writev(bufs, write)
	if err != nil {
		return err
	}
	return mem.PutU32(api.DecodeU32(stack[3]), total)
}

func (m *Module) fdSeek(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	if isStdio(fd) {
		return filesystem.ErrnoSpipe
	}
	pos, err := m.fs.Seek(fd, int64(stack[1]), filesystem.Whence(api.DecodeU32(stack[2])))
	if err != nil {
		return err
	}
	return mem.PutU64(api.DecodeU32(stack[3]), uint64(pos))
}

func (m *Module) fdTell(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	if isStdio(fd) {
		return filesystem.ErrnoSpipe
	}
	pos, err := m.fs.Tell(fd)
	if err != nil {
		return err
	}
	return mem.PutU64(api.DecodeU32(stack[1]), uint64(pos))
}

func (m *Module) fdReaddir(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	fd := int32(api.DecodeU32(stack[0]))
	ptr, size := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	entries, err := m.fs.ReadDir(fd, stack[3])
	if err != nil {
		return err
	}
	// 缓冲区不足时截断最后一个条目，guest 会以 bufused == buf_len 判断还有剩余。
	var out []byte
	var hdr [direntSize]byte
	for _, d := range entries {
		if uint32(len(out)) >= size {
			break
		}
		binary.LittleEndian.PutUint64(hdr[0:], d.Next)
		binary.LittleEndian.PutUint64(hdr[8:], d.Ino)
		binary.LittleEndian.PutUint32(hdr[16:], uint32(len(d.Name)))
		binary.LittleEndian.PutUint32(hdr[20:], uint32(d.Type))
		out = append(out, hdr[:]...)
		out = append(out, d.Name...)
	}
	if uint32(len(out)) > size {
		out = out[:size]
	}
	if err := mem.PutBytes(ptr, out); err != nil {
		return err
	}
	return mem.PutU32(api.DecodeU32(stack[4]), uint32(len(out)))
}

func (m *Module) path(mem *witgo.Memory, ptr, n uint64) (string, error) {
	return mem.String(api.DecodeU32(ptr), api.DecodeU32(n))
}

func (m *Module) pathOpen(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	dirFD := int32(api.DecodeU32(stack[0]))
	p, err := m.path(mem, stack[2], stack[3])
	if err != nil {
		return err
	}
	oflags := filesystem.OFlags(api.DecodeU32(stack[4]))
	fdflags := filesystem.FDFlags(api.DecodeU32(stack[7]))
	fd, err := m.fs.Open(dirFD, p, oflags, fdflags)
	if err != nil {
		return err
	}
	return mem.PutU32(api.DecodeU32(stack[8]), uint32(fd))
}

func (m *Module) pathCreateDirectory(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	p, err := m.path(mem, stack[1], stack[2])
	if err != nil {
		return err
	}
	return m.fs.Mkdir(int32(api.DecodeU32(stack[0])), p)
}

func (m *Module) pathFilestatGet(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	p, err := m.path(mem, stack[2], stack[3])
	if err != nil {
		return err
	}
	st, err := m.fs.StatAt(int32(api.DecodeU32(stack[0])), p)
	if err != nil {
		return err
	}
	return putFilestat(mem, api.DecodeU32(stack[4]), st)
}

func (m *Module) pathRemoveDirectory(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	p, err := m.path(mem, stack[1], stack[2])
	if err != nil {
		return err
	}
	return m.fs.Rmdir(int32(api.DecodeU32(stack[0])), p)
}

func (m *Module) pathUnlinkFile(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	p, err := m.path(mem, stack[1], stack[2])
	if err != nil {
		return err
	}
	return m.fs.Unlink(int32(api.DecodeU32(stack[0])), p)
}

func (m *Module) pathRename(_ context.Context, mem *witgo.Memory, stack []uint64) error {
	from, err := m.path(mem, stack[1], stack[2])
	if err != nil {
		return err
	}
	to, err := m.path(mem, stack[4], stack[5])
	if err != nil {
		return err
	}
	return m.fs.Rename(int32(api.DecodeU32(stack[0])), from, int32(api.DecodeU32(stack[3])), to)
}
