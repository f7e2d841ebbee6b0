package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Options 为数据集来源的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名、大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录扫描时仅接受这些扩展名（如 ".txt"、".csv"）；为空接受全部。
	// 仅影响目录递归，不影响单文件 root。
	Extensions []string `json:"extensions"`
}

// FileSystem 打开数据集来源：单文件、分片目录或 STDIN（"-"）。
// 目录按字典序稳定遍历（先子目录后文件），分片依次产出，记录 id 在分片间连续编号。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       map[string]struct{}
}

// New 创建 FileSystem 来源。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	o := Options{}
	if opts != nil {
		o = *opts
	}
	b := defaultBuf
	if o.BufSize > 0 {
		b = o.BufSize
	}
	return &FileSystem{bufSize: b, excludeDir: lowerSet(o.ExcludeDirNames, false), exts: lowerSet(o.Extensions, true)}
}

func lowerSet(names []string, dot bool) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if dot && !strings.HasPrefix(n, ".") {
			n = "." + n
		}
		m[n] = struct{}{}
	}
	return m
}

// Name 规范化来源名（斜杠分隔、Clean）。
func Name(p string) string { return filepath.ToSlash(filepath.Clean(p)) }

// Iterate 按稳定顺序对 root 下每个常规文件调用 yield；root 为空或 "-" 时读取 STDIN。
// yield 负责关闭 rc。
func (r *FileSystem) Iterate(ctx context.Context, root string, yield func(name string, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if root == "" || root == "-" {
		return yield("stdin", newBufferedCloser(os.Stdin, r.bufSize))
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	// 仅跟随到常规文件；目录符号链接不跟随（忽略）
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.open(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.open(root, yield)
}

func (r *FileSystem) open(p string, yield func(string, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(Name(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

func (r *FileSystem) accept(name string) bool {
	if len(r.exts) == 0 {
		return true
	}
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(string, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件（允许指向常规文件的符号链接）
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.accept(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			// 设备、FIFO 等跳过
			continue
		}
		if err := r.open(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
