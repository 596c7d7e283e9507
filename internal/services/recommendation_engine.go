package services

import (
	"fmt"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
)

// 单次最多返回的推荐条数
const maxRecommendations = 5

// 小时/主题聚合参与推荐所需的最少观测数
const minAggregateCount = 3

// 满意度下滑的告警阈值，比上升判定更敏感
const fallingTrendThreshold = -0.05

// RecommendationEngine 推荐引擎
// 从模式索引与学习指标生成模板化推荐。纯派生数据：同样的输入永远产出
// 同样的推荐，每条推荐都带上生成它的统计量
type RecommendationEngine struct {
	cfg *config.Config
}

// NewRecommendationEngine 创建推荐引擎
func NewRecommendationEngine(cfg *config.Config) *RecommendationEngine {
	return &RecommendationEngine{cfg: cfg}
}

// Generate 生成推荐列表，最多maxRecommendations条
func (r *RecommendationEngine) Generate(index *models.PatternIndex, metrics *models.LearningMetrics) []*models.Recommendation {
	recommendations := make([]*models.Recommendation, 0, maxRecommendations)

	if rec := r.bestHourRecommendation(index); rec != nil {
		recommendations = append(recommendations, rec)
	}
	if rec := r.strongestTopicRecommendation(index); rec != nil {
		recommendations = append(recommendations, rec)
	}
	if rec := r.responseLengthRecommendation(index); rec != nil {
		recommendations = append(recommendations, rec)
	}
	recommendations = append(recommendations, r.trendRecommendations(metrics)...)

	// 没有任何统计可用时给一条通用建议，调用方永远拿到可展示的内容
	if len(recommendations) == 0 {
		recommendations = append(recommendations, &models.Recommendation{
			Text:      "持续收集反馈：样本积累到一定规模后才能产出针对性建议",
			Statistic: "general",
			Value:     0,
		})
	}

	if len(recommendations) > maxRecommendations {
		recommendations = recommendations[:maxRecommendations]
	}
	return recommendations
}

// 表现最好的时段：取观测数达标且平均分最高的小时
func (r *RecommendationEngine) bestHourRecommendation(index *models.PatternIndex) *models.Recommendation {
	bestHour, bestAvg := -1, 0.0
	for hour, agg := range index.HourlyRatings {
		if agg.Count < minAggregateCount {
			continue
		}
		avg := agg.Average()
		if avg > bestAvg || (avg == bestAvg && bestHour >= 0 && hour < bestHour) {
			bestHour, bestAvg = hour, avg
		}
	}
	if bestHour < 0 {
		return nil
	}
	return &models.Recommendation{
		Text:      fmt.Sprintf("%d点附近的交互平均评分最高(%.2f)，重要问题可优先安排在该时段", bestHour, bestAvg),
		Statistic: "hourly_avg_rating",
		Value:     bestAvg,
	}
}

// 最强主题：编码/概念/排障三类中平均分最高者
func (r *RecommendationEngine) strongestTopicRecommendation(index *models.PatternIndex) *models.Recommendation {
	topics := []struct {
		name string
		agg  *models.RatingAggregate
	}{
		{"编码类", &index.Topics.Coding},
		{"概念类", &index.Topics.Conceptual},
		{"排障类", &index.Topics.Troubleshooting},
	}

	bestName, bestAvg := "", 0.0
	for _, topic := range topics {
		if topic.agg.Count < minAggregateCount {
			continue
		}
		avg := topic.agg.Average()
		if avg > bestAvg {
			bestName, bestAvg = topic.name, avg
		}
	}
	if bestName == "" {
		return nil
	}
	return &models.Recommendation{
		Text:      fmt.Sprintf("%s问题的反馈最好(平均%.2f分)，当前应答风格在该类问题上可以保持", bestName, bestAvg),
		Statistic: "topic_avg_rating",
		Value:     bestAvg,
	}
}

// 偏好响应长度：高质量响应模式中样本最多的长度桶
func (r *RecommendationEngine) responseLengthRecommendation(index *models.PatternIndex) *models.Recommendation {
	bestBucket, bestCount := "", 0
	var totalLength int
	for bucket, samples := range index.ResponsePatterns {
		if len(samples) > bestCount {
			bestBucket, bestCount = bucket, len(samples)
			totalLength = 0
			for _, sample := range samples {
				totalLength += sample.Length
			}
		}
	}
	if bestBucket == "" || bestCount < minAggregateCount {
		return nil
	}
	avgLength := float64(totalLength) / float64(bestCount)
	return &models.Recommendation{
		Text:      fmt.Sprintf("高分响应集中在%.0f字符左右的长度，应答篇幅可向该区间靠拢", avgLength),
		Statistic: "preferred_response_length",
		Value:     avgLength,
	}
}

// 趋势类推荐：满意度趋势与整体评分水平
func (r *RecommendationEngine) trendRecommendations(metrics *models.LearningMetrics) []*models.Recommendation {
	if metrics == nil {
		return nil
	}
	var result []*models.Recommendation

	switch {
	case metrics.SatisfactionTrend > r.cfg.TrendEpsilon:
		result = append(result, &models.Recommendation{
			Text:      fmt.Sprintf("满意度呈上升趋势(斜率%.3f)，近期的应答调整方向有效", metrics.SatisfactionTrend),
			Statistic: "satisfaction_trend",
			Value:     metrics.SatisfactionTrend,
		})
	case metrics.SatisfactionTrend < fallingTrendThreshold:
		result = append(result, &models.Recommendation{
			Text:      fmt.Sprintf("满意度呈下降趋势(斜率%.3f)，建议复查近期低分反馈的共性", metrics.SatisfactionTrend),
			Statistic: "satisfaction_trend",
			Value:     metrics.SatisfactionTrend,
		})
	}

	if metrics.EventCount > 0 && metrics.AvgRating < 3.0 {
		result = append(result, &models.Recommendation{
			Text:      fmt.Sprintf("窗口内平均评分仅%.2f，优先处理改进规则中积累的建议", metrics.AvgRating),
			Statistic: "avg_rating",
			Value:     metrics.AvgRating,
		})
	}
	return result
}
