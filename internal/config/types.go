package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"1h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为以及 worker 的缓存与路由规则。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath    string `mapstructure:"StoragePath"`
	CacheDriver    string `mapstructure:"CacheDriver"`
	CachePrefix    string `mapstructure:"CachePrefix"`
	DynamicVersion string `mapstructure:"DynamicVersion"`
	StaticVersion  string `mapstructure:"StaticVersion"`

	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UpdateInterval  Duration `mapstructure:"UpdateInterval"`
	SkipWaiting     bool     `mapstructure:"SkipWaiting"`
	Precache        []string `mapstructure:"Precache"`

	APIPrefix        string   `mapstructure:"APIPrefix"`
	APIHosts         []string `mapstructure:"APIHosts"`
	ThumbnailHosts   []string `mapstructure:"ThumbnailHosts"`
	StaticPrefix     string   `mapstructure:"StaticPrefix"`
	IconsPrefix      string   `mapstructure:"IconsPrefix"`
	StaticExtensions []string `mapstructure:"StaticExtensions"`
}

// OriginConfig 把一个 Host 映射到它的上游站点。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Primary  bool   `mapstructure:"Primary"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// PrimaryOrigin 返回 precache 清单所基于的 origin：显式标记 Primary 的优先，否则取第一个。
func (c *Config) PrimaryOrigin() (OriginConfig, bool) {
	if c == nil || len(c.Origins) == 0 {
		return OriginConfig{}, false
	}
	for _, origin := range c.Origins {
		if origin.Primary {
			return origin, true
		}
	}
	return c.Origins[0], true
}
