package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func collect(t *testing.T, r *FileSystem, root string) ([]string, error) {
	t.Helper()
	var names []string
	err := r.Iterate(context.Background(), root, func(name string, rc io.ReadCloser) error {
		defer rc.Close()
		names = append(names, filepath.Base(name))
		return nil
	})
	return names, err
}

// UT-RFS-01: 单文件
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("hello"), 0o644)
	var got []byte
	err := New(nil).Iterate(context.Background(), fp, func(name string, rc io.ReadCloser) error {
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		got = append(got, b...)
		if name != Name(fp) {
			t.Fatalf("name mismatch %s", name)
		}
		return nil
	})
	if err != nil || string(got) != "hello" {
		t.Fatalf("iterate: %v %q", err, string(got))
	}
}

// UT-RFS-02: 分片目录稳定顺序、扩展名过滤、跳过目录
func TestIterateShardDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "part-2.txt"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(dir, "part-1.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.md"), []byte("n"), 0o644)
	os.Mkdir(filepath.Join(dir, "aa"), 0o755)
	os.WriteFile(filepath.Join(dir, "aa", "part-0.TXT"), []byte("z"), 0o644)
	os.Mkdir(filepath.Join(dir, "skip"), 0o755)
	os.WriteFile(filepath.Join(dir, "skip", "bad.txt"), []byte("x"), 0o644)

	names, err := collect(t, New(&Options{ExcludeDirNames: []string{"SKIP"}, Extensions: []string{"txt"}}), dir)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := "part-0.TXT,part-1.txt,part-2.txt"
	if strings.Join(names, ",") != want {
		t.Fatalf("got %v want %s", names, want)
	}
}

// UT-RFS-03: "-" 读取 STDIN
func TestIterateStdin(t *testing.T) {
	for _, root := range []string{"", "-"} {
		old := os.Stdin
		pr, pw, _ := os.Pipe()
		os.Stdin = pr
		go func() {
			pw.Write([]byte("hi"))
			pw.Close()
		}()
		var data []byte
		err := New(nil).Iterate(context.Background(), root, func(name string, rc io.ReadCloser) error {
			defer rc.Close()
			if name != "stdin" {
				t.Fatalf("name=%s", name)
			}
			data, _ = io.ReadAll(rc)
			return nil
		})
		os.Stdin = old
		if err != nil || string(data) != "hi" {
			t.Fatalf("stdin %q: %v %q", root, err, string(data))
		}
	}
}

// 符号链接：文件跟随、目录忽略、失效报错
func TestIterateSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink requires privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "t.txt")
	os.WriteFile(target, []byte("ok"), 0o644)
	link := filepath.Join(dir, "l.txt")
	os.Symlink(target, link)
	if names, err := collect(t, New(nil), link); err != nil || len(names) != 1 || names[0] != "l.txt" {
		t.Fatalf("file symlink: %v %v", names, err)
	}

	realDir := filepath.Join(dir, "real")
	os.Mkdir(realDir, 0o755)
	os.WriteFile(filepath.Join(realDir, "a.txt"), []byte("x"), 0o644)
	dirLink := filepath.Join(dir, "ln")
	os.Symlink(realDir, dirLink)
	if names, err := collect(t, New(nil), dirLink); err != nil || len(names) != 0 {
		t.Fatalf("dir symlink visited: %v %v", names, err)
	}

	dangling := filepath.Join(t.TempDir(), "dangling")
	os.Symlink(filepath.Join(dir, "no"), dangling)
	if _, err := collect(t, New(nil), dangling); err == nil {
		t.Fatalf("expect error for dangling symlink")
	}
}

// 缺失路径与取消
func TestIterateErrors(t *testing.T) {
	if _, err := collect(t, New(nil), filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expect not exist, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil).Iterate(ctx, t.TempDir(), func(string, io.ReadCloser) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx cancel, got %v", err)
	}
}

// yield 错误时关闭文件并上抛
func TestIterateYieldError(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("x"), 0o644)
	boom := errors.New("boom")
	err := New(nil).Iterate(context.Background(), fp, func(string, io.ReadCloser) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expect yield error, got %v", err)
	}
}

// bufSize<=0 时使用默认
func TestNewBufferedCloserDefault(t *testing.T) {
	bc := newBufferedCloser(io.NopCloser(strings.NewReader("")), 0)
	if bc.Reader == nil {
		t.Fatalf("nil reader")
	}
	bc.Close()
}
