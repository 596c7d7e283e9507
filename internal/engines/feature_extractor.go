package engines

import (
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/learningloop/service/internal/models"
	"github.com/learningloop/service/internal/utils"
)

// 特征列定义，顺序固定，训练与推理共用
var featureNames = []string{
	"hour", "day_of_week", "day_of_month",
	"question_length", "response_length", "has_code",
	"question_marks", "exclamation_marks",
	"response_time", "quality_score",
	"response_efficiency", "quality_to_rating_ratio",
}

// 调整时间跨度时作用的特征下标（问题长度随学习推进改善）
const horizonAdjustIndex = 3

// FeatureNames 返回特征名列表副本
func FeatureNames() []string {
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return names
}

// FeatureCount 特征维度
func FeatureCount() int { return len(featureNames) }

// FeatureExtractor 特征提取器
// 把原始反馈事件转成数值特征矩阵：时间特征、文本派生特征、行为特征。
// 批内缺失值按列均值填充，只用当前批次内的观测，不从其他批次泄漏
type FeatureExtractor struct{}

// NewFeatureExtractor 创建特征提取器
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract 对事件批次提取特征矩阵与评分目标
// 相同输入批次产出完全相同的结果
func (e *FeatureExtractor) Extract(events []*models.FeedbackEvent) ([][]float64, []float64) {
	if len(events) == 0 {
		return nil, nil
	}

	matrix := make([][]float64, len(events))
	targets := make([]float64, len(events))
	for i, event := range events {
		matrix[i] = e.extractOne(event)
		targets[i] = float64(event.Rating)
	}

	imputeByColumnMean(matrix)
	return matrix, targets
}

// 单事件特征向量，派生比例可能出现NaN/Inf，由批内均值填充兜底
func (e *FeatureExtractor) extractOne(event *models.FeedbackEvent) []float64 {
	hasCode := 0.0
	if utils.HasCodeMarker(event.Question) {
		hasCode = 1.0
	}

	responseEfficiency := float64(len(event.Response)) / (event.ResponseTime + 1)
	qualityToRating := event.QualityScore / (float64(event.Rating) + 0.1)

	return []float64{
		float64(event.Timestamp.Hour()),
		float64(event.Timestamp.Weekday()),
		float64(event.Timestamp.Day()),
		float64(len(event.Question)),
		float64(len(event.Response)),
		hasCode,
		float64(strings.Count(event.Question, "?") + strings.Count(event.Question, "？")),
		float64(strings.Count(event.Question, "!") + strings.Count(event.Question, "！")),
		event.ResponseTime,
		event.QualityScore,
		responseEfficiency,
		qualityToRating,
	}
}

// VectorFromSnapshot 把调用方给的特征快照转成特征向量
// 缺失键使用默认值兜底，下标顺序与训练时一致
func (e *FeatureExtractor) VectorFromSnapshot(snapshot map[string]float64, now time.Time) []float64 {
	defaults := []float64{
		float64(now.Hour()),
		float64(now.Weekday()),
		float64(now.Day()),
		100, 500, 0, 1, 0, 3.0, 7.0, 166.7, 1.75,
	}

	vector := make([]float64, len(featureNames))
	for i, name := range featureNames {
		if value, ok := snapshot[name]; ok && !math.IsNaN(value) && !math.IsInf(value, 0) {
			vector[i] = value
		} else {
			vector[i] = defaults[i]
		}
	}
	return vector
}

// 按列均值填充NaN/Inf，均值只取批内有效观测；整列无效时填0
func imputeByColumnMean(matrix [][]float64) {
	if len(matrix) == 0 {
		return
	}
	cols := len(matrix[0])
	for j := 0; j < cols; j++ {
		var valid []float64
		for i := range matrix {
			v := matrix[i][j]
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				valid = append(valid, v)
			}
		}
		fill := 0.0
		if len(valid) > 0 {
			fill = stat.Mean(valid, nil)
		}
		for i := range matrix {
			v := matrix[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				matrix[i][j] = fill
			}
		}
	}
}

// 标准化 ---------------------------------

// FitScaler 在训练批次上拟合标准化参数（零均值单位方差）
// 推理时必须复用同一组参数，绝不可静默重新拟合
func FitScaler(matrix [][]float64) models.ScalerParams {
	cols := len(matrix[0])
	params := models.ScalerParams{
		Means: make([]float64, cols),
		Stds:  make([]float64, cols),
	}

	column := make([]float64, len(matrix))
	for j := 0; j < cols; j++ {
		for i := range matrix {
			column[i] = matrix[i][j]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if math.IsNaN(std) || std == 0 {
			std = 1 // 常数列不缩放
		}
		params.Means[j] = mean
		params.Stds[j] = std
	}
	return params
}

// ApplyScaler 按已拟合参数标准化一个特征向量
func ApplyScaler(params models.ScalerParams, vector []float64) []float64 {
	scaled := make([]float64, len(vector))
	for j, v := range vector {
		scaled[j] = (v - params.Means[j]) / params.Stds[j]
	}
	return scaled
}

// ApplyScalerMatrix 按已拟合参数标准化整个矩阵
func ApplyScalerMatrix(params models.ScalerParams, matrix [][]float64) [][]float64 {
	scaled := make([][]float64, len(matrix))
	for i, row := range matrix {
		scaled[i] = ApplyScaler(params, row)
	}
	return scaled
}
