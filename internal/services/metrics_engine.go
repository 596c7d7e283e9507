package services

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
)

// MetricsEngine 学习指标引擎
// 对滚动窗口内按时间排序的事件重算指标。同一事件集合重算结果完全一致，
// 指标中不携带墙钟时间
type MetricsEngine struct {
	cfg *config.Config
}

// NewMetricsEngine 创建指标引擎
func NewMetricsEngine(cfg *config.Config) *MetricsEngine {
	return &MetricsEngine{cfg: cfg}
}

// Recompute 根据窗口内事件与模式计数重算学习指标
// events 必须已按时间排序（并列时按追加序号），趋势才有意义
func (m *MetricsEngine) Recompute(events []*models.FeedbackEvent, patternCounts map[string]int) *models.LearningMetrics {
	metrics := &models.LearningMetrics{
		WindowDays: m.cfg.MetricsWindowDays,
		EventCount: len(events),
	}
	if len(events) == 0 {
		return metrics
	}

	ratings := make([]float64, len(events))
	responseTimes := make([]float64, len(events))
	qualityScores := make([]float64, len(events))
	for i, event := range events {
		ratings[i] = float64(event.Rating)
		responseTimes[i] = event.ResponseTime
		qualityScores[i] = event.QualityScore
	}

	metrics.AvgRating = stat.Mean(ratings, nil)
	metrics.ResponseTimeTrend = timeOrderedSlope(responseTimes)
	metrics.QualityImprovement = timeOrderedSlope(qualityScores)
	metrics.SatisfactionTrend = timeOrderedSlope(ratings)

	// 学习速度：模式与规则的积累量，问题模式权重高于改进规则
	patterns := float64(patternCounts["question_patterns"])
	rules := float64(patternCounts["improvement_rules"])
	metrics.LearningVelocity = math.Min((0.7*patterns+0.3*rules)/100.0, 1.0)

	// 置信度：评分水平与满意度稳定性的加权组合
	ratingPart := math.Min(metrics.AvgRating/5.0, 1.0)
	stabilityPart := math.Max(0, 1-math.Abs(metrics.SatisfactionTrend))
	metrics.ConfidenceScore = clip01(0.6*ratingPart + 0.4*stabilityPart)

	return metrics
}

// 时间序上的线性回归斜率，样本不足两条时为0
func timeOrderedSlope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return slope
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
