package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedCacheDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedCacheDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" && g.CacheDriver != "memory" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedCacheDrivers[g.CacheDriver]; !ok {
		return newFieldError("Global.CacheDriver", "仅支持 "+supportedCacheDriverList)
	}
	for field, value := range map[string]string{
		"Global.CachePrefix":    g.CachePrefix,
		"Global.DynamicVersion": g.DynamicVersion,
		"Global.StaticVersion":  g.StaticVersion,
	} {
		if err := validateNameSegment(value); err != nil {
			return newFieldError(field, err.Error())
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpdateInterval.DurationValue() < 0 {
		return newFieldError("Global.UpdateInterval", "不能为负数")
	}
	for field, prefix := range map[string]string{
		"Global.APIPrefix":    g.APIPrefix,
		"Global.StaticPrefix": g.StaticPrefix,
		"Global.IconsPrefix":  g.IconsPrefix,
	} {
		if prefix != "" && !strings.HasPrefix(prefix, "/") {
			return newFieldError(field, "必须以 / 开头")
		}
	}
	for _, ext := range g.StaticExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return newFieldError("Global.StaticExtensions", fmt.Sprintf("非法扩展名: %q", ext))
		}
	}
	for _, entry := range g.Precache {
		if err := validatePrecacheEntry(entry); err != nil {
			return fmt.Errorf("Global.Precache: %w", err)
		}
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	primaries := 0
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		if other, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与 "+other+" 重复")
		}
		seenDomains[origin.Domain] = origin.Name

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return newFieldError("Origin[].Primary", "最多只能有一个 Primary")
	}
	return nil
}

func validateNameSegment(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if value != strings.TrimSpace(value) || strings.ContainsAny(value, `/\ `) {
		return errors.New("不允许包含空白或路径分隔符")
	}
	return nil
}

func validatePrecacheEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.HasPrefix(entry, "/") {
		if _, err := url.Parse(entry); err != nil {
			return err
		}
		return nil
	}
	return validateUpstream(entry)
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.Contains(domain, "://") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
