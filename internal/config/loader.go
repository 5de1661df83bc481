package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPrecache 是 worker 安装时预缓存的页面与图标。
var DefaultPrecache = []string{
	"/",
	"/manifest.json",
	"/apple-touch-icon.png",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func read(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheDriver", "fs")
	v.SetDefault("CachePrefix", "klarinet")
	v.SetDefault("DynamicVersion", "v1")
	v.SetDefault("StaticVersion", "v1")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UpdateInterval", "1h")
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("Precache", DefaultPrecache)
	v.SetDefault("APIPrefix", "/api/")
	v.SetDefault("APIHosts", []string{"api.yhimsical.com"})
	v.SetDefault("ThumbnailHosts", []string{"i.ytimg.com"})
	v.SetDefault("StaticPrefix", "/_next/static/")
	v.SetDefault("IconsPrefix", "/icons/")
	v.SetDefault("StaticExtensions", []string{".png", ".svg", ".ico"})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.CacheDriver = strings.ToLower(strings.TrimSpace(g.CacheDriver))
	if g.CacheDriver == "" {
		g.CacheDriver = "fs"
	}
	g.APIHosts = normalizeHosts(g.APIHosts)
	g.ThumbnailHosts = normalizeHosts(g.ThumbnailHosts)
}

func applyOriginDefaults(o *OriginConfig) {
	o.Name = strings.TrimSpace(o.Name)
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if trimmed := strings.ToLower(strings.TrimSpace(host)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
