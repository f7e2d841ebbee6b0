package contract

import (
	"errors"
	"strings"
)

// UpstreamError 承载 HTTP 上游错误的最小诊断信息（状态码与简短消息）。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// maxUpstreamMsg: 日志中保留的上游消息长度上限（字节）。
const maxUpstreamMsg = 200

// Upstream 沿错误链查找 UpstreamError，返回状态码与截断后的消息。
func Upstream(err error) (status int, msg string, ok bool) {
	var ue UpstreamError
	if !errors.As(err, &ue) {
		return 0, "", false
	}
	msg = strings.TrimSpace(ue.UpstreamMessage())
	if len(msg) > maxUpstreamMsg {
		msg = msg[:maxUpstreamMsg]
	}
	return ue.UpstreamStatus(), msg, true
}
