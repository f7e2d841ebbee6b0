package contract

// RecordID: 记录稳定标识（数据集中 1 起始的行号），贯穿读取→处理→持久化→收敛全流程。
// 约束：同一数据集内唯一；任何阶段不得通过算术偏移重新推导。
type RecordID int64

// InputRecord: 原始输入记录（问题 + 候选答案），读取后不可变。
type InputRecord struct {
	ID       RecordID
	Question string
	// Answers: 候选答案，按源列顺序；空单元格已剔除，可为空。
	Answers []string
}

// ParsedResponse: 单次补全回复的解析结果。
// 约束：Category 为十进制数字串或哨兵值之一（CategoryUndetermined/CategoryError/CategoryParseError），永不为空。
type ParsedResponse struct {
	Question string
	Answer   string
	Category string
}

// ResultRecord: 持久化单元（表列 id, reformulated_question, answer, category）。
type ResultRecord struct {
	ID       RecordID `json:"id"`
	Question string   `json:"reformulated_question"`
	Answer   string   `json:"answer"`
	Category string   `json:"category"`
}

// 哨兵值（字段级占位，不是 error）。
const (
	CategoryUndetermined = "undetermined"
	CategoryError        = "error"
	CategoryParseError   = "parse-error"

	TextError = "error"

	QuestionNotFound     = "question not found"
	AnswerHeaderNotFound = "answer header not found"
	QuestionParseError   = "question parse error"
	AnswerParseError     = "answer parse error"
)

// ErrorRecord 返回补全失败时的占位记录：文本字段为 "error"，类别为 "undetermined"。
func ErrorRecord(id RecordID) ResultRecord {
	return ResultRecord{ID: id, Question: TextError, Answer: TextError, Category: CategoryUndetermined}
}

// ParseErrorResponse 返回整体解析失败时的占位三元组。
func ParseErrorResponse() ParsedResponse {
	return ParsedResponse{Question: QuestionParseError, Answer: AnswerParseError, Category: CategoryParseError}
}

// NewResult 将解析结果绑定到记录 id。
func NewResult(id RecordID, p ParsedResponse) ResultRecord {
	return ResultRecord{ID: id, Question: p.Question, Answer: p.Answer, Category: p.Category}
}

// RunMetrics: 单次批处理的 token/费用汇总，按值返回并由调用方合并。
type RunMetrics struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	TotalCost    float64
	// Calls/Failures: 补全调用次数与失败（占位记录）次数。
	Calls    int64
	Failures int64
}

// Add 返回两个汇总之和（归约语义，不修改接收者）。
func (m RunMetrics) Add(o RunMetrics) RunMetrics {
	return RunMetrics{
		InputTokens:  m.InputTokens + o.InputTokens,
		OutputTokens: m.OutputTokens + o.OutputTokens,
		TotalTokens:  m.TotalTokens + o.TotalTokens,
		TotalCost:    m.TotalCost + o.TotalCost,
		Calls:        m.Calls + o.Calls,
		Failures:     m.Failures + o.Failures,
	}
}
