package contract

// Decoder: 将补全回复文本解析为 ParsedResponse。
// 约束：
//  1. 纯计算，不做 I/O；
//  2. 永不返回错误：结构缺失以占位文本/哨兵类别表达；
//  3. 对同一输入结果确定。
type Decoder interface {
	Decode(text string) ParsedResponse
}

// ValidCategory 为类别有效性谓词（纯函数）：
// - 非空且全部为 ASCII 数字；
// - 字面量 "0" 无效；"00"/"0012" 等数字串有效（按字符串判定，不按数值）；
// - 哨兵值与任何非数字串无效。
func ValidCategory(c string) bool {
	if c == "" || c == "0" {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < '0' || c[i] > '9' {
			return false
		}
	}
	return true
}

// Invalid 返回类别未通过 ValidCategory 的记录 id（保持输入顺序）。
// 只读：重复调用且中间无写入时结果相同。
func Invalid(recs []ResultRecord) []RecordID {
	var out []RecordID
	for _, r := range recs {
		if !ValidCategory(r.Category) {
			out = append(out, r.ID)
		}
	}
	return out
}
