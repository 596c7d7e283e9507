package utils

import "regexp"

// 主题识别的结构性标记，与特征提取、主题统计共用同一套规则
var (
	// 代码类问题：包含代码块或常见声明关键字
	codePattern = regexp.MustCompile("```|def |class |import |func ")
	// 概念类问题
	conceptPattern = regexp.MustCompile(`概念|原理|理论|解释|说明|concept|theory|principle|explain`)
	// 排障类问题
	troubleshootPattern = regexp.MustCompile(`错误|报错|异常|问题|调试|error|bug|exception|debug`)
)

// HasCodeMarker 判断文本是否包含代码结构标记
func HasCodeMarker(text string) bool {
	return codePattern.MatchString(text)
}

// IsConceptual 判断是否概念类问题
func IsConceptual(text string) bool {
	return conceptPattern.MatchString(text)
}

// IsTroubleshooting 判断是否排障类问题
func IsTroubleshooting(text string) bool {
	return troubleshootPattern.MatchString(text)
}
