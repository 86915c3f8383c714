package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 remap/domain/缓存处置字段，供代理请求日志复用。
func RequestFields(remap, domain, origin, disposition string) logrus.Fields {
	return logrus.Fields{
		"remap":       remap,
		"domain":      domain,
		"origin":      origin,
		"disposition": disposition,
		"cache_hit":   disposition == "hit-fresh" || disposition == "hit-stale",
	}
}

// TransactionFields 提供事务标识字段，HTTP/1.1 事务的 stream_id 为 0。
func TransactionFields(id, protocol string, streamID uint32, method, host, path string) logrus.Fields {
	fields := logrus.Fields{
		"txn_id":   id,
		"protocol": protocol,
		"method":   method,
		"host":     host,
		"path":     path,
	}
	if streamID != 0 {
		fields["stream_id"] = streamID
	}
	return fields
}
