package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"qnaclean/pkg/contract"
)

// Code: 错误分类代码，写入日志 code 字段与 qnaclean.error.count 指标。
// 与 CLI 退出码无关。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeStorage   Code = "storage"
)

// Classify 将错误归为最小分类。
// 优先级：取消 > 预算/限流/未收敛 > 上游状态码 > 协议 > 持久化 > 不变量 > I/O > 网络。
// 仅依赖哨兵错误、UpstreamError 与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	// 预算/配额/未收敛
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) || errors.Is(err, contract.ErrNotConverged) {
		return CodeBudget
	}
	// 上游 HTTP 状态：429 计入预算，408/5xx 视为网络，其余 4xx 为协议
	if status, _, ok := contract.Upstream(err); ok {
		switch {
		case status == 429:
			return CodeBudget
		case status == 408 || status/100 == 5:
			return CodeNetwork
		case status/100 == 4:
			return CodeProtocol
		}
	}
	// 协议/解码
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	// 持久化表
	if errors.Is(err, contract.ErrStorage) {
		return CodeStorage
	}
	// 不变量
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrDatasetInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx 等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}
