package contract

import (
	"context"
	"fmt"
)

// DatasetReader: 读取原始数据集（列 0 为问题，列 ≥1 为候选答案）。
// 约束：
//  1. 行序定义 RecordID（1 起始，表头不计）；
//  2. 空答案单元格剔除；
//  3. path 为 "-" 时读取 STDIN（实现支持时）。
type DatasetReader interface {
	Read(ctx context.Context, path string) ([]InputRecord, error)
}

// IndexByID 构造 id→记录索引；出现重复 id 时返回 ErrDatasetInvalid。
func IndexByID(recs []InputRecord) (map[RecordID]InputRecord, error) {
	m := make(map[RecordID]InputRecord, len(recs))
	for _, r := range recs {
		if _, dup := m[r.ID]; dup {
			return nil, fmt.Errorf("duplicate record id %d: %w", r.ID, ErrDatasetInvalid)
		}
		m[r.ID] = r
	}
	return m, nil
}
