package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		MetricsWindowDays:  7,
		MinTrainingSamples: 5,
		EnsembleSize:       20,
		ConfidenceMembers:  10,
		MaxClusters:        5,
		TrainingTimeout:    2 * time.Minute,
		RandomSeed:         42,
		TrendEpsilon:       0.1,
		HorizonDailyGain:   0.01,
	}
}

// 构造按时间递增、评分与质量同步上升的事件序列
func risingEvents(n int) []*models.FeedbackEvent {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	events := make([]*models.FeedbackEvent, n)
	for i := 0; i < n; i++ {
		events[i] = &models.FeedbackEvent{
			UserID:       fmt.Sprintf("user-%d", i%3),
			SessionID:    fmt.Sprintf("session-%d", i),
			Question:     fmt.Sprintf("第%d个问题", i),
			Response:     "回答内容",
			Rating:       1 + i*4/(n-1), // 从1线性升到5
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			ResponseTime: 5.0 - float64(i)*0.3, // 响应越来越快
			QualityScore: 3.0 + float64(i)*0.4, // 质量越来越高
		}
	}
	return events
}

// TestMetricsEngine 测试学习指标重算
func TestMetricsEngine(t *testing.T) {
	engine := NewMetricsEngine(testConfig())

	t.Run("空窗口返回零值指标", func(t *testing.T) {
		metrics := engine.Recompute(nil, map[string]int{})
		if metrics.EventCount != 0 {
			t.Errorf("期望事件数为0，但得到 %d", metrics.EventCount)
		}
		if metrics.AvgRating != 0 || metrics.SatisfactionTrend != 0 {
			t.Error("期望空窗口指标为零值")
		}
		if metrics.WindowDays != 7 {
			t.Errorf("期望窗口天数为7，但得到 %d", metrics.WindowDays)
		}
		t.Logf("✅ 空窗口处理正确")
	})

	t.Run("趋势方向与数据一致", func(t *testing.T) {
		events := risingEvents(10)
		counts := map[string]int{"question_patterns": 10, "improvement_rules": 2}
		metrics := engine.Recompute(events, counts)

		if metrics.SatisfactionTrend <= 0 {
			t.Errorf("评分上升序列期望正的满意度趋势，但得到 %f", metrics.SatisfactionTrend)
		}
		if metrics.QualityImprovement <= 0 {
			t.Errorf("质量上升序列期望正的质量趋势，但得到 %f", metrics.QualityImprovement)
		}
		if metrics.ResponseTimeTrend >= 0 {
			t.Errorf("响应加速序列期望负的耗时趋势，但得到 %f", metrics.ResponseTimeTrend)
		}
		if metrics.AvgRating < 1 || metrics.AvgRating > 5 {
			t.Errorf("平均评分超出合法区间: %f", metrics.AvgRating)
		}
		t.Logf("✅ 趋势方向正确: 满意度=%.3f, 质量=%.3f, 耗时=%.3f",
			metrics.SatisfactionTrend, metrics.QualityImprovement, metrics.ResponseTimeTrend)
	})

	t.Run("相同输入重算结果完全一致", func(t *testing.T) {
		events := risingEvents(10)
		counts := map[string]int{"question_patterns": 10, "improvement_rules": 2}

		first := engine.Recompute(events, counts)
		second := engine.Recompute(events, counts)

		if *first != *second {
			t.Errorf("相同输入重算结果不一致:\n%+v\n%+v", first, second)
		}
		t.Logf("✅ 指标重算幂等")
	})

	t.Run("学习速度与置信度有界", func(t *testing.T) {
		metrics := engine.Recompute(risingEvents(10), map[string]int{
			"question_patterns": 500,
			"improvement_rules": 500,
		})
		if metrics.LearningVelocity != 1.0 {
			t.Errorf("期望大量模式时学习速度封顶为1，但得到 %f", metrics.LearningVelocity)
		}
		if metrics.ConfidenceScore < 0 || metrics.ConfidenceScore > 1 {
			t.Errorf("置信度超出[0,1]: %f", metrics.ConfidenceScore)
		}
		t.Logf("✅ 指标取值有界: velocity=%.2f, confidence=%.2f",
			metrics.LearningVelocity, metrics.ConfidenceScore)
	})

	t.Run("单条事件趋势为零", func(t *testing.T) {
		metrics := engine.Recompute(risingEvents(10)[:1], map[string]int{})
		if metrics.SatisfactionTrend != 0 {
			t.Errorf("期望单条事件趋势为0，但得到 %f", metrics.SatisfactionTrend)
		}
		t.Logf("✅ 样本不足时趋势为零")
	})
}
