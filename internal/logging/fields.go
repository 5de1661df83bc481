package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/策略/缓存来源字段，供代理请求日志复用。
func RequestFields(origin, domain, strategy, store, source string) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"domain":    domain,
		"strategy":  strategy,
		"store":     store,
		"source":    source,
		"cache_hit": source == "cache",
	}
}

// WorkerFields 描述 worker 版本及其正在操作的缓存，空值字段不输出。
func WorkerFields(version, strategy, store string) logrus.Fields {
	fields := logrus.Fields{"worker_version": version}
	if strategy != "" {
		fields["strategy"] = strategy
	}
	if store != "" {
		fields["store"] = store
	}
	return fields
}
