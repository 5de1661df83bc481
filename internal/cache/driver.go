package cache

import (
	"fmt"
	"strings"
)

// 支持的缓存驱动。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Drivers 返回全部驱动名，供配置校验与错误提示使用。
func Drivers() []string {
	return []string{DriverFS, DriverSQLite, DriverMemory}
}

// NewStorage 根据驱动名构建 Storage；basePath 对 memory 驱动无意义。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverSQLite:
		return NewSQLiteStorage(basePath)
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", driver)
	}
}
