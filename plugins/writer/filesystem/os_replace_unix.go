//go:build !windows

package filesystem

import "os"

// osReplace: POSIX rename 原子替换。
func osReplace(tmpPath, dest string) error {
	return os.Rename(tmpPath, dest)
}

// syncDir: 最佳努力同步父目录元数据。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
