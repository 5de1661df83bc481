package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件，每次写入后重新解析并回调 onChange。
// 解析或校验失败时 cfg 为 nil、err 非空，调用方应继续沿用旧配置。
func Watch(path string, onChange func(cfg *Config, err error)) error {
	v, err := read(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		if err := v.ReadInConfig(); err != nil {
			onChange(nil, err)
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}
