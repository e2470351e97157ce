package filesystem

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
)

// Errno is a WASI preview1 error number. The values are bit-exact with
// wasi-libc because guests compare them numerically.
type Errno uint16

const (
	ErrnoSuccess     Errno = 0
	ErrnoTooBig      Errno = 1
	ErrnoAcces       Errno = 2
	ErrnoAgain       Errno = 6
	ErrnoBadf        Errno = 8
	ErrnoBusy        Errno = 10
	ErrnoExist       Errno = 20
	ErrnoFault       Errno = 21
	ErrnoFbig        Errno = 22
	ErrnoIntr        Errno = 27
	ErrnoInval       Errno = 28
	ErrnoIO          Errno = 29
	ErrnoIsdir       Errno = 31
	ErrnoLoop        Errno = 32
	ErrnoMfile       Errno = 33
	ErrnoNametoolong Errno = 37
	ErrnoNoent       Errno = 44
	ErrnoNomem       Errno = 48
	ErrnoNospc       Errno = 51
	ErrnoNosys       Errno = 52
	ErrnoNotdir      Errno = 54
	ErrnoNotempty    Errno = 55
	ErrnoNotsup      Errno = 58
	ErrnoPerm        Errno = 63
	ErrnoRofs        Errno = 69
	ErrnoSpipe       Errno = 70
	ErrnoNotcapable  Errno = 76
)

var errnoNames = map[Errno]string{
	ErrnoSuccess:     "ESUCCESS",
	ErrnoTooBig:      "E2BIG",
	ErrnoAcces:       "EACCES",
	ErrnoAgain:       "EAGAIN",
	ErrnoBadf:        "EBADF",
	ErrnoBusy:        "EBUSY",
	ErrnoExist:       "EEXIST",
	ErrnoFault:       "EFAULT",
	ErrnoFbig:        "EFBIG",
	ErrnoIntr:        "EINTR",
	ErrnoInval:       "EINVAL",
	ErrnoIO:          "EIO",
	ErrnoIsdir:       "EISDIR",
	ErrnoLoop:        "ELOOP",
	ErrnoMfile:       "EMFILE",
	ErrnoNametoolong: "ENAMETOOLONG",
	ErrnoNoent:       "ENOENT",
	ErrnoNomem:       "ENOMEM",
	ErrnoNospc:       "ENOSPC",
	ErrnoNosys:       "ENOSYS",
	ErrnoNotdir:      "ENOTDIR",
	ErrnoNotempty:    "ENOTEMPTY",
	ErrnoNotsup:      "ENOTSUP",
	ErrnoPerm:        "EPERM",
	ErrnoRofs:        "EROFS",
	ErrnoSpipe:       "ESPIPE",
	ErrnoNotcapable:  "ENOTCAPABLE",
}

func (e Errno) Error() string {
	if n, ok := errnoNames[e]; ok {
		return n
	}
	return "errno " + strconv.Itoa(int(e))
}

// ToErrno 将 Go 错误映射为 WASI errno。nil 映射为 ErrnoSuccess，无法识别的错误映射为 EIO。
func ToErrno(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	if n, ok := platformErrno(err); ok {
		return n
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, fs.ErrExist):
		return ErrnoExist
	case errors.Is(err, fs.ErrPermission):
		return ErrnoAcces
	case errors.Is(err, fs.ErrInvalid):
		return ErrnoInval
	case errors.Is(err, os.ErrClosed):
		return ErrnoBadf
	}
	return ErrnoIO
}
