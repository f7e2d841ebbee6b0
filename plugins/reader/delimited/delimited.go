package delimited

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"qnaclean/pkg/contract"
	"qnaclean/plugins/reader/filesystem"
)

// Options: 分隔文本数据集选项。
type Options struct {
	// Delimiter: 单字符分隔符；"hash" 预设为 "#"，"csv" 预设为 ","。
	Delimiter string `json:"delimiter,omitempty"`
	// Encoding: 源文件编码（WHATWG 名称），默认 utf-8；BOM 优先。
	Encoding string `json:"encoding,omitempty"`
	// Header: 首行为表头，不计入记录。
	Header bool `json:"header,omitempty"`
	// Source: 目录分片扫描选项。
	Source *filesystem.Options `json:"source,omitempty"`
}

// Reader 读取分隔文本：列 0 为问题，其余列为候选答案。
type Reader struct {
	comma  rune
	enc    string
	header bool
	src    *filesystem.FileSystem
}

var _ contract.DatasetReader = (*Reader)(nil)

// NewHash 返回 "#" 分隔读取器工厂。
func NewHash(raw json.RawMessage) (contract.DatasetReader, error) { return newWithDefault(raw, "#") }

// NewCSV 返回 "," 分隔读取器工厂。
func NewCSV(raw json.RawMessage) (contract.DatasetReader, error) { return newWithDefault(raw, ",") }

func newWithDefault(raw json.RawMessage, delim string) (contract.DatasetReader, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("delimited options: %w", err)
		}
	}
	if o.Delimiter == "" {
		o.Delimiter = delim
	}
	return New(o)
}

// New 以结构化选项构造读取器。
func New(o Options) (*Reader, error) {
	if utf8.RuneCountInString(o.Delimiter) != 1 {
		return nil, fmt.Errorf("delimited: delimiter %q must be one character: %w", o.Delimiter, contract.ErrInvalidInput)
	}
	comma, _ := utf8.DecodeRuneInString(o.Delimiter)
	if comma == '"' || comma == '\n' || comma == '\r' || comma == utf8.RuneError {
		return nil, fmt.Errorf("delimited: delimiter %q not allowed: %w", o.Delimiter, contract.ErrInvalidInput)
	}
	if o.Encoding != "" {
		if _, err := htmlindex.Get(o.Encoding); err != nil {
			return nil, fmt.Errorf("delimited: encoding %q: %w", o.Encoding, contract.ErrInvalidInput)
		}
	}
	return &Reader{comma: comma, enc: o.Encoding, header: o.Header, src: filesystem.New(o.Source)}, nil
}

// Read 读取 path（文件、分片目录或 "-"）。记录 id 为数据行序号（1 起始，跨分片连续，表头不计）；
// 问题为空的行保留序号但不产出记录。
func (r *Reader) Read(ctx context.Context, path string) ([]contract.InputRecord, error) {
	var out []contract.InputRecord
	var next contract.RecordID
	err := r.src.Iterate(ctx, path, func(name string, rc io.ReadCloser) error {
		defer rc.Close()
		in, err := r.decoder(rc)
		if err != nil {
			return err
		}
		cr := csv.NewReader(in)
		cr.Comma = r.comma
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		first := true
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %v: %w", name, err, contract.ErrDatasetInvalid)
			}
			if first && r.header {
				first = false
				continue
			}
			first = false
			next++
			if rec, ok := Record(next, row); ok {
				out = append(out, rec)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) decoder(rd io.Reader) (io.Reader, error) {
	name := r.enc
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", name, contract.ErrInvalidInput)
	}
	return transform.NewReader(rd, unicode.BOMOverride(enc.NewDecoder())), nil
}

// Record 将一行单元格转为 InputRecord：去除首尾空白，剔除空答案单元格。
// 问题为空时返回 false。
func Record(id contract.RecordID, row []string) (contract.InputRecord, bool) {
	if len(row) == 0 {
		return contract.InputRecord{}, false
	}
	q := strings.TrimSpace(row[0])
	if q == "" {
		return contract.InputRecord{}, false
	}
	var answers []string
	for _, c := range row[1:] {
		if c = strings.TrimSpace(c); c != "" {
			answers = append(answers, c)
		}
	}
	return contract.InputRecord{ID: id, Question: q, Answers: answers}, true
}
