//go:build unix

package filesystem

import (
	"errors"

	"golang.org/x/sys/unix"
)

var unixErrnos = map[unix.Errno]Errno{
	unix.E2BIG:        ErrnoTooBig,
	unix.EACCES:       ErrnoAcces,
	unix.EAGAIN:       ErrnoAgain,
	unix.EBADF:        ErrnoBadf,
	unix.EBUSY:        ErrnoBusy,
	unix.EEXIST:       ErrnoExist,
	unix.EFAULT:       ErrnoFault,
	unix.EFBIG:        ErrnoFbig,
	unix.EINTR:        ErrnoIntr,
	unix.EINVAL:       ErrnoInval,
	unix.EIO:          ErrnoIO,
	unix.EISDIR:       ErrnoIsdir,
	unix.ELOOP:        ErrnoLoop,
	unix.EMFILE:       ErrnoMfile,
	unix.ENAMETOOLONG: ErrnoNametoolong,
	unix.ENOENT:       ErrnoNoent,
	unix.ENOMEM:       ErrnoNomem,
	unix.ENOSPC:       ErrnoNospc,
	unix.ENOSYS:       ErrnoNosys,
	unix.ENOTDIR:      ErrnoNotdir,
	unix.ENOTEMPTY:    ErrnoNotempty,
	unix.ENOTSUP:      ErrnoNotsup,
	unix.EPERM:        ErrnoPerm,
	unix.EROFS:        ErrnoRofs,
	unix.ESPIPE:       ErrnoSpipe,
}

func platformErrno(err error) (Errno, bool) {
	var en unix.Errno
	if !errors.As(err, &en) {
		return 0, false
	}
	n, ok := unixErrnos[en]
	return n, ok
}
