package batch

import (
	"context"
	"testing"

	"qnaclean/plugins/decoder/markup"
	"qnaclean/plugins/llmclient/mock"
	"qnaclean/plugins/prompt/qna"
)

// BenchmarkRun 度量单轮顺序处理（mock 回复 + markup 解码）的开销。
func BenchmarkRun(b *testing.B) {
	llm, _ := mock.New(nil)
	pb, _ := qna.New(nil)
	dec, _ := markup.New(nil)
	comp := Components{Prompt: pb, LLM: llm, Decoder: dec}
	recs := dataset(500)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Run(ctx, comp, Settings{Model: "gpt-4o", MaxOutputTokens: 1500}, recs, nil); err != nil {
			b.Fatalf("运行失败: %v", err)
		}
	}
}
