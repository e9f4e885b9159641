package xconf

import "github.com/knadh/koanf/v2"

// Format 配置文件格式。
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Config 配置实例。基础读取直接使用 Client() 返回的 koanf 实例。
type Config interface {
	// Client 返回当前 koanf 实例。Reload 后旧指针仍可用但内容过期。
	Client() *koanf.Koanf

	// Unmarshal 把 path 下的配置解到 target，path 为空表示整份配置。
	// target 中已有的值在配置缺省对应字段时保留，可作为默认值。
	Unmarshal(path string, target any) error

	// Reload 重新读取文件，仅对 New 创建的实例有效。
	Reload() error

	// Path 返回文件路径，NewFromBytes 创建的实例返回空。
	Path() string

	Format() Format
}
