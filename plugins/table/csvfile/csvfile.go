package csvfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"qnaclean/pkg/contract"
	wfs "qnaclean/plugins/writer/filesystem"
)

// Header: 结果表列名（固定顺序）。
var Header = []string{"id", "reformulated_question", "answer", "category"}

// Options: CSV 结果表选项。
type Options struct {
	// Path: 表文件路径（必需）。
	Path string `json:"path"`
	// PermFile: 文件权限；0 表示 0644。
	PermFile os.FileMode `json:"perm_file,omitempty"`
}

// Table 以单个 CSV 文件实现 contract.Table。
// Append 以 O_APPEND 追加行；Rewrite 经临时文件原子替换。
type Table struct {
	path string
	perm os.FileMode
	w    *wfs.FS
	id   contract.ArtifactID
	// clean: 本实例已确认文件以完整记录结尾
	clean bool
}

var _ contract.Table = (*Table)(nil)

// New 从原样 JSON Options 创建表；未知字段报错。
func New(raw json.RawMessage) (contract.Table, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("csv table options: %w", err)
		}
	}
	return Open(o)
}

// Open 以结构化选项打开表（文件不存在时延迟到首次写入创建）。
func Open(o Options) (*Table, error) {
	p := strings.TrimSpace(o.Path)
	if p == "" {
		return nil, fmt.Errorf("csv table: path required: %w", contract.ErrInvalidInput)
	}
	perm := o.PermFile
	if perm == 0 {
		perm = 0o644
	}
	w, id, err := wfs.ForFile(p, wfs.Options{PermFile: perm})
	if err != nil {
		return nil, fmt.Errorf("csv table: %w", err)
	}
	return &Table{path: p, perm: perm, w: w, id: id}, nil
}

// Path 返回表文件路径。
func (t *Table) Path() string { return t.path }

// Load 读取全部记录；文件不存在返回空集合。同一 id 后写覆盖先写。
// 崩溃残留的不完整尾部（未闭合引号、缺少换行）被忽略。
func (t *Table) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv table load: %v: %w", err, contract.ErrStorage)
	}
	recs, _, err := scan(ctx, data)
	if err != nil {
		return nil, err
	}
	return contract.NewRows(recs).Records(), nil
}

// scan 解析表内容，返回记录与最后一条完整记录之后的字节偏移。
func scan(ctx context.Context, data []byte) ([]contract.ResultRecord, int64, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	var (
		recs []contract.ResultRecord
		good int64
	)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("csv table scan: %v: %w", err, contract.ErrStorage)
		}
		off := cr.InputOffset()
		if off == int64(len(data)) && data[len(data)-1] != '\n' {
			break
		}
		good = off
		if line == 1 && len(row) > 0 && row[0] == Header[0] {
			continue
		}
		rec, err := decodeRow(row)
		if err != nil {
			// 列数不足或 id 非法的行：跳过，由 Pending 与重处理补齐
			continue
		}
		recs = append(recs, rec)
	}
	return recs, good, nil
}

// Append 追加记录；文件不存在或为空时先写表头。
// 本实例首次追加前截去不完整尾部，避免新行与残留片段粘连。
func (t *Table) Append(ctx context.Context, recs []contract.ResultRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, t.perm)
	if err != nil {
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	size, err := t.repairTail(ctx, f)
	if err != nil {
		_ = f.Close()
		return err
	}
	var buf bytes.Buffer
	if err := encode(&buf, recs, size == 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		t.clean = false
		_ = f.Close()
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	if err := f.Sync(); err != nil {
		t.clean = false
		_ = f.Close()
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	return nil
}

// repairTail 返回可追加的文件长度；必要时截断到最后一条完整记录。
func (t *Table) repairTail(ctx context.Context, f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	if t.clean || fi.Size() == 0 {
		t.clean = true
		return fi.Size(), nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("csv table append: %v: %w", err, contract.ErrStorage)
	}
	_, good, err := scan(ctx, data)
	if err != nil {
		return 0, err
	}
	if good < int64(len(data)) {
		if err := f.Truncate(good); err != nil {
			return 0, fmt.Errorf("csv table truncate: %v: %w", err, contract.ErrStorage)
		}
	}
	t.clean = true
	return good, nil
}

// Rewrite 以 recs 整体替换表文件（原子 rename）。
func (t *Table) Rewrite(ctx context.Context, recs []contract.ResultRecord) error {
	var buf bytes.Buffer
	if err := encode(&buf, recs, true); err != nil {
		return fmt.Errorf("csv table rewrite: %v: %w", err, contract.ErrStorage)
	}
	if err := t.w.Write(ctx, t.id, &buf); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("csv table rewrite: %v: %w", err, contract.ErrStorage)
	}
	t.clean = true
	return nil
}

// Close 无持有资源。
func (t *Table) Close() error { return nil }

func encode(w io.Writer, recs []contract.ResultRecord, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Header); err != nil {
			return err
		}
	}
	for _, r := range recs {
		if err := cw.Write([]string{strconv.FormatInt(int64(r.ID), 10), r.Question, r.Answer, r.Category}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func decodeRow(row []string) (contract.ResultRecord, error) {
	if len(row) < len(Header) {
		return contract.ResultRecord{}, fmt.Errorf("want %d columns, got %d", len(Header), len(row))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return contract.ResultRecord{}, err
	}
	return contract.ResultRecord{ID: contract.RecordID(id), Question: row[1], Answer: row[2], Category: row[3]}, nil
}
