package filesystem

import (
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops bounds how many dangling links escapes follows.
const maxLinkHops = 40

// Clean resolves p against the sandbox-relative directory dir. Both are
// slash separated and dir is already clean ("" is the root). "." and ".."
// are resolved lexically; a ".." that would climb above the root fails with
// ENOTCAPABLE instead of being clamped. The result has no leading slash.
func Clean(dir, p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrnoInval
	}
	var parts []string
	if !strings.HasPrefix(p, "/") && dir != "" {
		parts = strings.Split(dir, "/")
	}
	for _, seg := range strings.Split(strings.TrimLeft(p, "/"), "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", ErrnoNotcapable
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/"), nil
}

// Resolve maps a guest path to a host path under the sandbox root. Besides
// the lexical check, symlinks already on disk must not lead out of the root.
func (s *Sandbox) Resolve(dir, p string) (rel, host string, err error) {
	rel, err = Clean(dir, p)
	if err != nil {
		return "", "", err
	}
	host = filepath.Join(s.root, filepath.FromSlash(rel))
	if !within(s.root, host) || s.escapes(host) {
		return "", "", ErrnoNotcapable
	}
	return rel, host, nil
}

// escapes 解析 host 上已存在部分的符号链接，判断其真实位置是否离开根目录。
// 无法解析的尾部路径按父目录检查；悬空链接按其目标继续检查，链接环在
// maxLinkHops 次后视为越界。
func (s *Sandbox) escapes(host string) bool {
	p, hops := host, 0
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return !within(s.real, resolved)
		}
		if target, err := os.Readlink(p); err == nil {
			if hops++; hops > maxLinkHops {
				return true
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(p), target)
			}
			p = target
			continue
		}
		parent := filepath.Dir(p)
		if parent == p {
			return true
		}
		p = parent
	}
}

// within 判断 path 是否是 root 本身或者其后代。
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
