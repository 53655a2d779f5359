// Package validators 提供步骤失败分类、缺失参数提取与输入校验。
package validators

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	templatePattern = regexp.MustCompile(`\{\{.*?\}\}`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

var blockedDomains = map[string]struct{}{
	"example.com": {}, "example.org": {}, "example.net": {},
	"test.com": {}, "test.org": {}, "test.net": {},
	"sample.com": {}, "sample.org": {}, "sample.net": {},
	"placeholder.com": {}, "dummy.com": {}, "fake.com": {},
}

// ValidateEmail 校验邮箱地址，拒绝未解析的模板与占位域名。
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	if templatePattern.MatchString(email) {
		return fmt.Errorf("email address contains unresolved template variable: %s", email)
	}
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return fmt.Errorf("email address is required")
	}
	if !emailPattern.MatchString(trimmed) {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	domain := strings.ToLower(trimmed[strings.LastIndex(trimmed, "@")+1:])
	if _, blocked := blockedDomains[domain]; blocked {
		return fmt.Errorf("email validation failed: '%s' is a placeholder domain", domain)
	}
	return nil
}
