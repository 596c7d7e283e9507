package services

import (
	"testing"
	"time"

	"github.com/learningloop/service/internal/models"
)

// TestRecommendationEngine 测试模板化推荐生成
func TestRecommendationEngine(t *testing.T) {
	engine := NewRecommendationEngine(testConfig())

	t.Run("空索引回退到通用建议", func(t *testing.T) {
		recommendations := engine.Generate(models.NewPatternIndex(), &models.LearningMetrics{})
		if len(recommendations) != 1 {
			t.Fatalf("期望空索引回退到1条通用建议，但得到 %d 条", len(recommendations))
		}
		if recommendations[0].Statistic != "general" {
			t.Errorf("期望通用建议统计量为general，但得到 %s", recommendations[0].Statistic)
		}
		t.Logf("✅ 空索引兜底正确")
	})

	t.Run("最佳时段与主题推荐", func(t *testing.T) {
		index := models.NewPatternIndex()
		index.HourlyRatings[9] = &models.RatingAggregate{Count: 5, Sum: 23} // 平均4.6
		index.HourlyRatings[22] = &models.RatingAggregate{Count: 4, Sum: 8} // 平均2.0
		index.HourlyRatings[3] = &models.RatingAggregate{Count: 1, Sum: 5}  // 观测不足，忽略
		index.Topics.Coding = models.RatingAggregate{Count: 6, Sum: 27}     // 平均4.5
		index.Topics.Conceptual = models.RatingAggregate{Count: 4, Sum: 10} // 平均2.5

		recommendations := engine.Generate(index, &models.LearningMetrics{AvgRating: 3.8, EventCount: 15})

		byStatistic := make(map[string]*models.Recommendation)
		for _, rec := range recommendations {
			byStatistic[rec.Statistic] = rec
		}

		hourly := byStatistic["hourly_avg_rating"]
		if hourly == nil {
			t.Fatal("期望产生最佳时段推荐")
		}
		if hourly.Value != 4.6 {
			t.Errorf("期望时段推荐基于平均分4.6，但得到 %f", hourly.Value)
		}

		topic := byStatistic["topic_avg_rating"]
		if topic == nil {
			t.Fatal("期望产生主题推荐")
		}
		if topic.Value != 4.5 {
			t.Errorf("期望主题推荐基于平均分4.5，但得到 %f", topic.Value)
		}

		t.Logf("✅ 时段与主题推荐正确")
	})

	t.Run("响应长度推荐取最大桶", func(t *testing.T) {
		index := models.NewPatternIndex()
		now := time.Now()
		for i := 0; i < 4; i++ {
			index.ResponsePatterns["high_quality_5"] = append(index.ResponsePatterns["high_quality_5"],
				&models.ResponsePattern{Length: 520 + i*10, Rating: 5, Timestamp: now})
		}
		index.ResponsePatterns["high_quality_1"] = []*models.ResponsePattern{
			{Length: 120, Rating: 4, Timestamp: now},
		}

		recommendations := engine.Generate(index, &models.LearningMetrics{})
		found := false
		for _, rec := range recommendations {
			if rec.Statistic == "preferred_response_length" {
				found = true
				if rec.Value != 535 {
					t.Errorf("期望推荐长度为535，但得到 %f", rec.Value)
				}
			}
		}
		if !found {
			t.Error("期望产生响应长度推荐")
		}
		t.Logf("✅ 响应长度推荐正确")
	})

	t.Run("趋势推荐区分方向", func(t *testing.T) {
		rising := engine.Generate(models.NewPatternIndex(),
			&models.LearningMetrics{SatisfactionTrend: 0.25, EventCount: 10, AvgRating: 4.0})
		if len(rising) != 1 || rising[0].Statistic != "satisfaction_trend" {
			t.Fatalf("期望上升趋势产生1条趋势推荐，但得到 %d 条", len(rising))
		}

		falling := engine.Generate(models.NewPatternIndex(),
			&models.LearningMetrics{SatisfactionTrend: -0.25, EventCount: 10, AvgRating: 2.5})
		// 下降趋势 + 低均分 = 两条推荐
		if len(falling) != 2 {
			t.Fatalf("期望下降趋势加低均分产生2条推荐，但得到 %d 条", len(falling))
		}

		// 下滑判定比上升更敏感
		mild := engine.Generate(models.NewPatternIndex(),
			&models.LearningMetrics{SatisfactionTrend: -0.07, EventCount: 10, AvgRating: 4.0})
		if len(mild) != 1 || mild[0].Statistic != "satisfaction_trend" {
			t.Fatalf("期望轻微下滑已触发趋势推荐，但得到 %d 条", len(mild))
		}

		stable := engine.Generate(models.NewPatternIndex(),
			&models.LearningMetrics{SatisfactionTrend: 0.05, EventCount: 10, AvgRating: 4.0})
		for _, rec := range stable {
			if rec.Statistic == "satisfaction_trend" {
				t.Error("期望容差内趋势不产生趋势推荐")
			}
		}

		t.Logf("✅ 趋势推荐方向正确")
	})

	t.Run("推荐条数有上限", func(t *testing.T) {
		index := models.NewPatternIndex()
		now := time.Now()
		index.HourlyRatings[9] = &models.RatingAggregate{Count: 5, Sum: 23}
		index.Topics.Coding = models.RatingAggregate{Count: 6, Sum: 27}
		for i := 0; i < 4; i++ {
			index.ResponsePatterns["high_quality_5"] = append(index.ResponsePatterns["high_quality_5"],
				&models.ResponsePattern{Length: 500, Rating: 5, Timestamp: now})
		}

		recommendations := engine.Generate(index,
			&models.LearningMetrics{SatisfactionTrend: -0.5, AvgRating: 2.0, EventCount: 20})
		if len(recommendations) > maxRecommendations {
			t.Errorf("期望推荐不超过%d条，但得到 %d 条", maxRecommendations, len(recommendations))
		}
		for _, rec := range recommendations {
			if rec.Text == "" || rec.Statistic == "" {
				t.Error("期望每条推荐都有文本与统计量")
			}
		}
		t.Logf("✅ 推荐上限正确: %d条", len(recommendations))
	})
}
