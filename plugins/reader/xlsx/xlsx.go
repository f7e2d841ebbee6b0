package xlsx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"qnaclean/pkg/contract"
	"qnaclean/plugins/reader/delimited"
	"qnaclean/plugins/reader/filesystem"
)

// Options: 工作簿数据集选项。
type Options struct {
	// Sheet: 工作表名；为空读取第一个工作表。
	Sheet string `json:"sheet,omitempty"`
	// Header: 首行为表头，不计入记录。
	Header bool `json:"header,omitempty"`
	// Source: 目录分片扫描选项；目录扫描默认仅接受 .xlsx。
	Source *filesystem.Options `json:"source,omitempty"`
}

// Reader 读取 .xlsx 工作簿：列 A 为问题，其余列为候选答案。
type Reader struct {
	sheet  string
	header bool
	src    *filesystem.FileSystem
}

var _ contract.DatasetReader = (*Reader)(nil)

// New 从原样 JSON Options 创建读取器；未知字段报错。
func New(raw json.RawMessage) (contract.DatasetReader, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("xlsx options: %w", err)
		}
	}
	src := filesystem.Options{Extensions: []string{".xlsx"}}
	if o.Source != nil {
		src = *o.Source
		if len(src.Extensions) == 0 {
			src.Extensions = []string{".xlsx"}
		}
	}
	return &Reader{sheet: strings.TrimSpace(o.Sheet), header: o.Header, src: filesystem.New(&src)}, nil
}

// Read 读取 path（工作簿、工作簿目录或 "-"）。记录 id 为数据行序号（1 起始，表头不计，跨工作簿连续）。
func (r *Reader) Read(ctx context.Context, path string) ([]contract.InputRecord, error) {
	var out []contract.InputRecord
	var next contract.RecordID
	err := r.src.Iterate(ctx, path, func(name string, rc io.ReadCloser) error {
		defer rc.Close()
		f, err := excelize.OpenReader(rc)
		if err != nil {
			return fmt.Errorf("%s: %v: %w", name, err, contract.ErrDatasetInvalid)
		}
		defer f.Close()
		sheet := r.sheet
		if sheet == "" {
			list := f.GetSheetList()
			if len(list) == 0 {
				return fmt.Errorf("%s: no sheets: %w", name, contract.ErrDatasetInvalid)
			}
			sheet = list[0]
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return fmt.Errorf("%s: sheet %q: %v: %w", name, sheet, err, contract.ErrDatasetInvalid)
		}
		for i, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i == 0 && r.header {
				continue
			}
			next++
			if rec, ok := delimited.Record(next, row); ok {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
