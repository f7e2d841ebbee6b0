package registry

import (
	"bytes"
	"encoding/json"

	"qnaclean/pkg/contract"
	dmk "qnaclean/plugins/decoder/markup"
	flaky "qnaclean/plugins/llmclient/flaky"
	gmi "qnaclean/plugins/llmclient/gemini"
	mock "qnaclean/plugins/llmclient/mock"
	oai "qnaclean/plugins/llmclient/openai"
	pqna "qnaclean/plugins/prompt/qna"
	rdl "qnaclean/plugins/reader/delimited"
	rxl "qnaclean/plugins/reader/xlsx"
	tcsv "qnaclean/plugins/table/csvfile"
	tsql "qnaclean/plugins/table/sqldb"
	wfs "qnaclean/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewDataset 工厂签名：接收原样 JSON Options。
type NewDataset func(raw json.RawMessage) (contract.DatasetReader, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewTable 工厂签名：接收原样 JSON Options。
type NewTable func(raw json.RawMessage) (contract.Table, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Dataset 工厂注册表（显式、零反射）。
var Dataset = map[string]NewDataset{
	// hash: "#" 分隔文本（原始数据格式）
	"hash": rdl.NewHash,
	"csv":  rdl.NewCSV,
	// xlsx: 工作簿首个/指定工作表
	"xlsx": rxl.New,
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// qna: 问题 + 候选答案 → system 模板 + user 消息
	"qna": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pqna.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pqna.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": oai.New,
	"gemini": gmi.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// markup: 标题分节的 HTML 回复（问题/答案/类别）
	"markup": dmk.New,
}

// Table 工厂注册表。
var Table = map[string]NewTable{
	"csv":      tcsv.New,
	"sqlite":   tsql.NewSQLite,
	"postgres": tsql.NewPostgres,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
