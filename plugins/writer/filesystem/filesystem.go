package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"qnaclean/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 是否扁平化输出（仅保留文件名，不保留目录层级）。
	// 默认 false：导出工件允许子目录（如 "export/clean.jsonl"）。
	Flat bool `json:"flat,omitempty"`
	// NoClobber: 目标已存在时返回 fs.ErrExist（模板生成等不覆盖场景）。
	NoClobber bool `json:"no_clobber,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
}

// FS 将工件写入本地目录；结果表整表重写与导出共用。
type FS struct {
	root      string
	atomic    bool
	flat      bool
	noClobber bool
	permF     os.FileMode
	permD     os.FileMode
	bufSize   int
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("filesystem: output_dir required: %w", contract.ErrInvalidInput)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{root: opts.OutputDir, atomic: atomic, flat: opts.Flat, noClobber: opts.NoClobber, permF: pf, permD: pd, bufSize: bsz}, nil
}

// ForFile 以目标文件所在目录为根构造 Writer，并返回对应的 ArtifactID。
// 用于整文件替换单个已知路径（例如 CSV 结果表）。
func ForFile(path string, opts Options) (*FS, contract.ArtifactID, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, "", contract.ErrPathInvalid
	}
	opts.OutputDir = filepath.Dir(path)
	w, err := New(&opts)
	if err != nil {
		return nil, "", err
	}
	return w, contract.ArtifactID(filepath.Base(path)), nil
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节写入到基于 id 映射的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if w.noClobber {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s: %w", dest, fs.ErrExist)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Path 返回 id 映射后的绝对目标路径（不写入）。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// mapPath: Clean + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if w.flat {
		rel = filepath.Base(rel)
		if rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator) {
			return "", contract.ErrPathInvalid
		}
		return filepath.Join(w.root, rel), nil
	}
	// 禁止绝对路径、父级逃逸、Windows 卷名
	switch {
	case rel == "." || rel == "":
		return "", contract.ErrPathInvalid
	case filepath.IsAbs(rel), filepath.VolumeName(rel) != "":
		return "", contract.ErrPathInvalid
	case rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.noClobber {
		flag = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	f, err := os.OpenFile(dest, flag, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err = io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	// 平台特定的原子替换（或最佳努力）
	if err = osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
