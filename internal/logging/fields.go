package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 method/route/目标路径字段，供文件操作访问日志复用。
func RequestFields(method, route, target, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"method": method,
		"route":  route,
		"target": target,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
