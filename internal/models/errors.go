package models

import "fmt"

// 错误分类 ---------------------------------
// 统一的类型化错误，调用方用 errors.As 匹配，保证异常在边界处被识别而不是
// 在下游任意访问点爆炸

// ValidationError 输入校验失败，指明出错字段
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("字段校验失败: %s: %s", e.Field, e.Message)
}

// NewValidationError 创建校验错误
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientDataError 训练样本不足，携带需求量与可用量
type InsufficientDataError struct {
	Required  int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("训练数据不足: 需要%d条, 实际%d条", e.Required, e.Available)
}

// ModelNotTrainedError 请求预测但指定模型尚无训练产物
type ModelNotTrainedError struct {
	Kind string
}

func (e *ModelNotTrainedError) Error() string {
	return fmt.Sprintf("模型尚未训练: %s", e.Kind)
}

// PersistenceError 持久化失败（日志追加或产物写入），重试一次后仍失败才抛出
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("持久化失败: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TrainingFailure 单个模型训练内部的数值/算法失败，与兄弟模型隔离
type TrainingFailure struct {
	Kind string
	Err  error
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("模型训练失败: %s: %v", e.Kind, e.Err)
}

func (e *TrainingFailure) Unwrap() error { return e.Err }
