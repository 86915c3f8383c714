package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrOriginUnavailable 表示连接源站或传输过程中失败。
	ErrOriginUnavailable = errors.New("origin unavailable")
	// ErrAborted 表示事务已中止，后续响应事件被拒绝。
	ErrAborted = errors.New("transaction aborted")
	// ErrConnectionClosed 表示所属连接已关闭。
	ErrConnectionClosed = errors.New("connection closed")
)

// ProtocolError 表示帧或头部格式错误。HTTP/2 下只中止事务，HTTP/1.1 下连接随之关闭。
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError 判断 err 链中是否包含 *ProtocolError。
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// OriginError 包装源站错误，使其同时匹配 ErrOriginUnavailable。
func OriginError(err error) error {
	if err == nil || errors.Is(err, ErrOriginUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOriginUnavailable, err)
}
