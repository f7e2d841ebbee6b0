//go:build windows

package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"qnaclean/pkg/contract"
)

// UT-WFS-05: Windows 路径越界校验
func TestMapPathInvalidWindows(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, id := range []string{"C:\\abs", "..", ".", "..\\results.csv"} {
		if _, err := w.mapPath(contract.ArtifactID(id)); err != contract.ErrPathInvalid {
			t.Fatalf("id %s expect invalid", id)
		}
	}
}

// UT-WFS-06: ForFile 在盘符路径下替换已存在的结果表（rename 覆盖目标）
func TestForFileAbsoluteWindows(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "results.csv")
	if err := os.WriteFile(p, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, id, err := ForFile(p, Options{})
	if err != nil {
		t.Fatalf("ForFile: %v", err)
	}
	if err := w.Write(context.Background(), id, strings.NewReader("id,category\n1,5\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "id,category\n1,5\n" {
		t.Fatalf("内容未替换: %q %v", b, err)
	}
}
