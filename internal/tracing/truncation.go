package tracing

import (
	"strings"
)

// 各类Span属性的截断上限，防止超长内容撑爆追踪后端
const (
	DefaultMaxLength = 200
	MaxSQLLength     = 500
	MaxRedisLength   = 100
	MaxProfileLength = 150
)

// maskPIIKeywords 属性名里出现这些关键字时对值做掩码
var maskPIIKeywords = []string{
	"email", "phone", "password", "secret", "token",
	"id_card", "身份证", "address", "地址",
	"name", "姓名", "age", "年龄",
}

// SafeAttributeValue 属性名命中敏感关键字时掩码，否则按 limit 截断。
func SafeAttributeValue(name string, value string, limit int) string {
	lower := strings.ToLower(name)
	for _, keyword := range maskPIIKeywords {
		if strings.Contains(lower, keyword) {
			return MaskPII(value)
		}
	}
	return TruncateString(value, limit)
}

// MaskPII 长值两端各留两位，短值只留首尾或首位，其余全部掩码。
func MaskPII(value string) string {
	runes := []rune(value)
	switch n := len(runes); {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		return string(runes[:1]) + "*"
	case n <= 4:
		return string(runes[:1]) + strings.Repeat("*", n-2) + string(runes[n-1:])
	default:
		return string(runes[:2]) + strings.Repeat("*", n-4) + string(runes[n-2:])
	}
}

// TruncateString 超过 limit 时保留首尾、中间以...连接，按rune计数避免截断多字节字符。
func TruncateString(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	keep := (limit - 3) / 2
	if keep < 1 {
		keep = 1
	}
	return string(runes[:keep]) + "..." + string(runes[len(runes)-keep:])
}

func SafeSQL(sql string) string          { return TruncateString(sql, MaxSQLLength) }
func SafeRedisKey(key string) string     { return TruncateString(key, MaxRedisLength) }
func SafeProfileContent(s string) string { return TruncateString(s, MaxProfileLength) }
