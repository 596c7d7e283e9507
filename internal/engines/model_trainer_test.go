package engines

import (
	"context"
	"errors"
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

// 构造带线性信号的训练事件：质量分越高评分越高
func trainingEvents(n int) []*models.FeedbackEvent {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	events := make([]*models.FeedbackEvent, n)
	for i := 0; i < n; i++ {
		rating := 1 + i%5
		events[i] = &models.FeedbackEvent{
			UserID:       fmt.Sprintf("user-%d", i%4),
			SessionID:    fmt.Sprintf("session-%d", i),
			Question:     fmt.Sprintf("第%d个问题：这个接口为什么慢？", i),
			Response:     fmt.Sprintf("第%d个回答，包含排查建议与示例。", i),
			Rating:       rating,
			Timestamp:    base.Add(time.Duration(i) * 3 * time.Hour),
			ResponseTime: 1.0 + float64(i%7)*0.5,
			QualityScore: float64(rating)*1.8 + float64(i%3)*0.2,
		}
	}
	return events
}

// TestModelTrainerTrainAll 测试三模型训练的完整流程
func TestModelTrainerTrainAll(t *testing.T) {
	trainer := NewModelTrainer(testConfig())
	events := trainingEvents(40)

	report, artifacts := trainer.TrainAll(context.Background(), events)

	t.Run("三个模型全部训练成功", func(t *testing.T) {
		for _, kind := range models.ModelKinds {
			result := report.Results[kind]
			if result == nil {
				t.Fatalf("缺少%s的训练结果", kind)
			}
			if !result.Trained {
				t.Errorf("期望%s训练成功，但失败: %s", kind, result.Error)
			}
			if artifacts[kind] == nil {
				t.Errorf("期望%s产出训练产物", kind)
			}
		}
		if report.EventCount != 40 {
			t.Errorf("期望事件数为40，但得到 %d", report.EventCount)
		}
		t.Logf("✅ 三模型训练完成, 整体成功=%v", report.Success)
	})

	t.Run("性能模型优于朴素基线", func(t *testing.T) {
		artifact := artifacts[models.ModelKindPerformance]
		if artifact.Performance == nil {
			t.Fatal("性能模型产物缺少载荷")
		}
		if len(artifact.Performance.Members) != 20 {
			t.Errorf("期望20个集成成员，但得到 %d", len(artifact.Performance.Members))
		}

		accuracy := artifact.Metrics["accuracy"]
		// 数据带强线性信号，精度代理应明显高于瞎猜
		if accuracy < 0.3 {
			t.Errorf("期望精度代理>0.3，但得到 %f", accuracy)
		}
		if _, ok := artifact.Metrics["cv_mean"]; !ok {
			t.Error("期望指标包含交叉验证均值")
		}

		importances := artifact.Performance.Importances
		if len(importances) != FeatureCount() {
			t.Fatalf("期望%d个特征重要度，但得到 %d", FeatureCount(), len(importances))
		}
		var total float64
		for _, imp := range importances {
			if imp < 0 {
				t.Error("期望重要度非负")
			}
			total += imp
		}
		if total < 0.99 || total > 1.01 {
			t.Errorf("期望重要度归一化为1，但总和为 %f", total)
		}
		t.Logf("✅ 性能模型: accuracy=%.3f, mse=%.3f", accuracy, artifact.Metrics["mse"])
	})

	t.Run("满意度模型产出三分类权重", func(t *testing.T) {
		artifact := artifacts[models.ModelKindSatisfaction]
		if artifact.Satisfaction == nil {
			t.Fatal("满意度模型产物缺少载荷")
		}
		if len(artifact.Satisfaction.Weights) != 3 {
			t.Errorf("期望3个类别的权重，但得到 %d", len(artifact.Satisfaction.Weights))
		}
		if len(artifact.Satisfaction.Classes) != 3 {
			t.Errorf("期望3个类别名，但得到 %d", len(artifact.Satisfaction.Classes))
		}
		accuracy := artifact.Metrics["accuracy"]
		if accuracy < 0 || accuracy > 1 {
			t.Errorf("期望分类精度在[0,1]，但得到 %f", accuracy)
		}
		t.Logf("✅ 满意度模型: accuracy=%.3f", accuracy)
	})

	t.Run("聚类模型满足结构不变式", func(t *testing.T) {
		artifact := artifacts[models.ModelKindCluster]
		cluster := artifact.Cluster
		if cluster == nil {
			t.Fatal("聚类模型产物缺少载荷")
		}
		if cluster.K < 1 || cluster.K > 3 {
			t.Errorf("期望聚类数在[1,3]，但得到 %d", cluster.K)
		}
		if len(cluster.Centroids) != cluster.K {
			t.Errorf("期望%d个质心，但得到 %d", cluster.K, len(cluster.Centroids))
		}
		for _, centroid := range cluster.Centroids {
			if len(centroid) != FeatureCount() {
				t.Errorf("期望质心维度为%d，但得到 %d", FeatureCount(), len(centroid))
			}
		}

		totalSize := 0
		for _, size := range cluster.Sizes {
			totalSize += size
		}
		if totalSize != 40 {
			t.Errorf("期望簇大小之和等于样本数40，但得到 %d", totalSize)
		}
		if cluster.Inertia < 0 {
			t.Errorf("期望惯量非负，但得到 %f", cluster.Inertia)
		}
		t.Logf("✅ 聚类模型: k=%d, sizes=%v, inertia=%.2f", cluster.K, cluster.Sizes, cluster.Inertia)
	})
}

// TestModelTrainerHighRatingBatch 测试15天高分数据的回归精度
func TestModelTrainerHighRatingBatch(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	events := make([]*models.FeedbackEvent, 15)
	for i := 0; i < 15; i++ {
		rating := 4 + i%2
		events[i] = &models.FeedbackEvent{
			UserID:       fmt.Sprintf("user-%d", i%3),
			SessionID:    fmt.Sprintf("session-%d", i),
			Question:     fmt.Sprintf("第%d天的问题：这个设计合理吗？", i),
			Response:     fmt.Sprintf("第%d天的回答。", i),
			Rating:       rating,
			Timestamp:    base.AddDate(0, 0, i), // 15个不同的日期
			ResponseTime: 1.5,
			QualityScore: float64(rating) * 1.9,
		}
	}

	trainer := NewModelTrainer(testConfig())
	report, artifacts := trainer.TrainAll(context.Background(), events)

	result := report.Results[models.ModelKindPerformance]
	if !result.Trained {
		t.Fatalf("期望性能模型训练成功: %s", result.Error)
	}

	artifact := artifacts[models.ModelKindPerformance]
	accuracy := artifact.Metrics["accuracy"]
	// 评分集中在{4,5}且质量分强相关，精度代理应远高于无信息基线
	if accuracy < 0.6 {
		t.Errorf("期望高分批次精度>0.6，但得到 %f", accuracy)
	}
	// 评分方差约0.25，集成的留出MSE必须优于均值基线
	if mse := artifact.Metrics["mse"]; mse < 0 || mse >= 0.25 {
		t.Errorf("期望留出MSE在[0,0.25)内，但得到 %f", mse)
	}

	t.Logf("✅ 高分批次训练: accuracy=%.3f, mse=%.3f", accuracy, artifact.Metrics["mse"])
}

// TestModelTrainerDeterminism 测试固定种子下训练结果可复现
func TestModelTrainerDeterminism(t *testing.T) {
	events := trainingEvents(20)

	_, first := NewModelTrainer(testConfig()).TrainAll(context.Background(), events)
	_, second := NewModelTrainer(testConfig()).TrainAll(context.Background(), events)

	a := first[models.ModelKindPerformance].Performance.Members
	b := second[models.ModelKindPerformance].Performance.Members
	if len(a) != len(b) {
		t.Fatalf("两次训练成员数不一致: %d != %d", len(a), len(b))
	}
	for m := range a {
		for j := range a[m] {
			if a[m][j] != b[m][j] {
				t.Fatalf("成员%d系数%d不可复现: %f != %f", m, j, a[m][j], b[m][j])
			}
		}
	}

	// 分类器的分层拆分同样必须可复现
	satA := first[models.ModelKindSatisfaction].Satisfaction
	satB := second[models.ModelKindSatisfaction].Satisfaction
	if satA == nil || satB == nil {
		t.Fatal("期望两次训练都产出满意度模型")
	}
	for c := range satA.Weights {
		for j := range satA.Weights[c] {
			if satA.Weights[c][j] != satB.Weights[c][j] {
				t.Fatalf("满意度权重[%d][%d]不可复现: %f != %f",
					c, j, satA.Weights[c][j], satB.Weights[c][j])
			}
		}
	}

	t.Logf("✅ 固定种子训练可复现")
}

// TestModelTrainerSmallSampleBaseline 测试小样本下集成不劣于均值基线
func TestModelTrainerSmallSampleBaseline(t *testing.T) {
	for _, n := range []int{15, 20} {
		events := trainingEvents(n)

		// 朴素均值基线的MSE即评分方差
		var sum float64
		for _, event := range events {
			sum += float64(event.Rating)
		}
		mean := sum / float64(n)
		var naiveMSE float64
		for _, event := range events {
			diff := float64(event.Rating) - mean
			naiveMSE += diff * diff
		}
		naiveMSE /= float64(n)

		trainer := NewModelTrainer(testConfig())
		report, artifacts := trainer.TrainAll(context.Background(), events)
		result := report.Results[models.ModelKindPerformance]
		if !result.Trained {
			t.Fatalf("n=%d: 期望性能模型训练成功: %s", n, result.Error)
		}

		mse := artifacts[models.ModelKindPerformance].Metrics["mse"]
		if mse >= naiveMSE {
			t.Errorf("n=%d: 集成留出MSE=%.3f 不优于均值基线MSE=%.3f", n, mse, naiveMSE)
		}
		t.Logf("✅ n=%d: 集成MSE=%.3f, 均值基线MSE=%.3f", n, mse, naiveMSE)
	}
}

// TestModelTrainerInsufficientData 测试样本不足时的失败隔离
func TestModelTrainerInsufficientData(t *testing.T) {
	trainer := NewModelTrainer(testConfig())

	t.Run("样本少于5时回归与分类拒绝训练", func(t *testing.T) {
		report, artifacts := trainer.TrainAll(context.Background(), trainingEvents(3))

		for _, kind := range []string{models.ModelKindPerformance, models.ModelKindSatisfaction} {
			result := report.Results[kind]
			if result.Trained {
				t.Errorf("期望%s因样本不足失败", kind)
			}
			if artifacts[kind] != nil {
				t.Errorf("期望%s不产出产物", kind)
			}
		}

		// 聚类只需3条样本，应当独立成功
		if !report.Results[models.ModelKindCluster].Trained {
			t.Errorf("期望聚类模型独立训练成功: %s", report.Results[models.ModelKindCluster].Error)
		}
		if report.Success {
			t.Error("期望整体成功为false")
		}
		t.Logf("✅ 失败隔离正确")
	})

	t.Run("错误类型携带需求量", func(t *testing.T) {
		extractor := NewFeatureExtractor()
		matrix, targets := extractor.Extract(trainingEvents(3))
		scaler := FitScaler(matrix)

		_, err := trainer.trainPerformance(context.Background(), ApplyScalerMatrix(scaler, matrix), targets, scaler)
		var insufficient *models.InsufficientDataError
		if !errors.As(err, &insufficient) {
			t.Fatalf("期望InsufficientDataError，但得到 %v", err)
		}
		if insufficient.Required != 5 || insufficient.Available != 3 {
			t.Errorf("期望需要5条实际3条，但得到 需要%d条实际%d条",
				insufficient.Required, insufficient.Available)
		}
		t.Logf("✅ 错误信息正确: %v", insufficient)
	})
}

// TestModelTrainerCancellation 测试上下文取消中止训练
func TestModelTrainerCancellation(t *testing.T) {
	trainer := NewModelTrainer(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, artifacts := trainer.TrainAll(ctx, trainingEvents(20))

	if len(artifacts) != 0 {
		t.Errorf("期望取消后不产出任何产物，但得到 %d 个", len(artifacts))
	}
	for _, kind := range models.ModelKinds {
		if report.Results[kind].Trained {
			t.Errorf("期望%s因取消而失败", kind)
		}
	}
	t.Logf("✅ 取消传播正确")
}
