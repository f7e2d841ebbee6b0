package contract

import "context"

// Table: 持久化结果表（DurableTable），以 id 为键。
// 约束：
//  1. Load 每个 id 仅返回一条（后写覆盖先写）；文件表按首次出现顺序，SQL 表按 id 升序；
//  2. Append 为增量写入（检查点），允许与已有 id 重复，由 Load 语义去重；
//  3. Rewrite 以给定记录整体替换表内容；
//  4. 文件表非事务，崩溃可能留下部分写入，恢复依赖 Load 的去重与有效性谓词；
//     SQL 表的 Append/Rewrite 在单个事务内完成。
type Table interface {
	Load(ctx context.Context) ([]ResultRecord, error)
	Append(ctx context.Context, recs []ResultRecord) error
	Rewrite(ctx context.Context, recs []ResultRecord) error
	Close() error
}

// Rows: 内存中的有序结果集合（按 id 寻址，支持原位更新）。
// 非并发安全：仅由单一处理协程访问。
type Rows struct {
	order []RecordID
	byID  map[RecordID]ResultRecord
}

// NewRows 以 recs 构造集合；重复 id 后者覆盖前者，位置保持首次出现处。
func NewRows(recs []ResultRecord) *Rows {
	r := &Rows{byID: make(map[RecordID]ResultRecord, len(recs))}
	for _, rec := range recs {
		r.Upsert(rec)
	}
	return r
}

// Upsert 按 id 覆盖已有记录；新 id 追加到末尾。
func (r *Rows) Upsert(rec ResultRecord) {
	if r.byID == nil {
		r.byID = make(map[RecordID]ResultRecord)
	}
	if _, ok := r.byID[rec.ID]; !ok {
		r.order = append(r.order, rec.ID)
	}
	r.byID[rec.ID] = rec
}

// Get 返回 id 对应记录。
func (r *Rows) Get(id RecordID) (ResultRecord, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// Has 判断 id 是否已存在。
func (r *Rows) Has(id RecordID) bool {
	_, ok := r.byID[id]
	return ok
}

// Len 返回记录数。
func (r *Rows) Len() int { return len(r.order) }

// Records 返回按顺序排列的记录副本。
func (r *Rows) Records() []ResultRecord {
	out := make([]ResultRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
