package utils

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// NormalizeQuestion 规范化问题文本：去首尾空白、转小写、压缩连续空白
// 保证同一问题的不同书写形式落到同一个模式键上
func NormalizeQuestion(question string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	return strings.Join(strings.Fields(normalized), " ")
}

// QuestionFingerprint 根据规范化问题文本生成稳定指纹
// 必须使用固定算法摘要而不是语言内建hash，跨进程重启保持一致
func QuestionFingerprint(question string) string {
	normalized := NormalizeQuestion(question)
	if normalized == "" {
		return "empty"
	}
	hasher := sha256.New()
	hasher.Write([]byte(normalized))
	hash := fmt.Sprintf("%x", hasher.Sum(nil))
	return hash[:16] // 取前16个字符作为模式标识
}
