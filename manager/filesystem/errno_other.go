//go:build !unix

package filesystem

// 非 unix 平台只依赖 io/fs 的通用错误。
func platformErrno(error) (Errno, bool) { return 0, false }
