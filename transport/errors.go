package transport

import (
	"errors"
	"fmt"
)

// ErrStreamClosed 表示流式连接已经死亡（对端关闭、读超时或心跳静默超限），
// 调用方应当重建连接。
var ErrStreamClosed = errors.New("transport: stream closed")

// APIError 非 2xx 响应。携带状态码与原始响应体，是否重试由调用方决定。
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: http status %d: %s", e.Status, string(e.Body))
}

// IsAPIError 便捷判断，返回命中的 *APIError。
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
