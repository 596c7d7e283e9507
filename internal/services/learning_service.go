package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/engines"
	"github.com/learningloop/service/internal/models"
	"github.com/learningloop/service/internal/store"
)

// LearningService 学习服务门面
// 串起反馈写入、指标重算、模型训练、预测与推荐。后台训练是单飞的：
// 同一时刻最多一个训练任务，状态可轮询
type LearningService struct {
	cfg       *config.Config
	store     *store.FeedbackStore
	artifacts *store.ArtifactStore

	trainer     *engines.ModelTrainer
	predictor   *engines.PredictionEngine
	metrics     *MetricsEngine
	recommender *RecommendationEngine

	trainMu  sync.Mutex
	training models.TrainingJobStatus
}

// NewLearningService 创建学习服务
func NewLearningService(cfg *config.Config, feedbackStore *store.FeedbackStore, artifactStore *store.ArtifactStore) *LearningService {
	return &LearningService{
		cfg:         cfg,
		store:       feedbackStore,
		artifacts:   artifactStore,
		trainer:     engines.NewModelTrainer(cfg),
		predictor:   engines.NewPredictionEngine(cfg),
		metrics:     NewMetricsEngine(cfg),
		recommender: NewRecommendationEngine(cfg),
		training:    models.TrainingJobStatus{State: models.TrainStateIdle},
	}
}

// SubmitFeedback 记录一条用户反馈并返回重算后的学习指标
// 写入成功才重算指标；写入失败时存储内外状态保持写入前的样子
func (s *LearningService) SubmitFeedback(req *models.SubmitFeedbackRequest) (*models.FeedbackEvent, *models.LearningMetrics, error) {
	if req == nil {
		return nil, nil, models.NewValidationError("request", "请求不能为空")
	}

	event := models.NewFeedbackEvent(req)
	if err := s.store.Append(event); err != nil {
		return nil, nil, err
	}

	metrics := s.Metrics()
	log.Infof("[学习服务] 反馈已接收: 用户=%s, 评分=%d, 窗口均分=%.2f",
		event.UserID, event.Rating, metrics.AvgRating)
	return event, metrics, nil
}

// Metrics 重算并返回当前滚动窗口的学习指标
func (s *LearningService) Metrics() *models.LearningMetrics {
	recent := s.store.LoadRecent(s.cfg.MetricsWindow())
	return s.metrics.Recompute(recent, s.store.PatternCounts())
}

// Train 同步训练全部模型
// force=false且三个模型都有产物时跳过；force=true时无条件重训。
// minDataPoints<=0时使用配置的最小样本数。
// 整个训练受TrainingTimeout约束，单个模型失败不影响兄弟模型的产物落盘
func (s *LearningService) Train(ctx context.Context, force bool, minDataPoints int) (*models.TrainReport, error) {
	if minDataPoints <= 0 {
		minDataPoints = s.cfg.MinTrainingSamples
	}

	if !force {
		flags := s.artifacts.TrainedFlags()
		allTrained := true
		for _, trained := range flags {
			if !trained {
				allTrained = false
				break
			}
		}
		if allTrained {
			log.Infof("[学习服务] 模型产物齐全且未强制重训, 返回已持久化的评估指标")
			return s.persistedReport(), nil
		}
	}

	events := s.store.LoadAll()
	if len(events) < minDataPoints {
		return nil, &models.InsufficientDataError{
			Required:  minDataPoints,
			Available: len(events),
		}
	}

	trainCtx, cancel := context.WithTimeout(ctx, s.cfg.TrainingTimeout)
	defer cancel()

	log.Infof("[学习服务] 开始训练, 样本数=%d, 强制重训=%v", len(events), force)
	report, artifacts := s.trainer.TrainAll(trainCtx, events)

	// 只替换训练成功的产物；落盘失败按该模型的训练失败处理
	for _, kind := range models.ModelKinds {
		artifact, ok := artifacts[kind]
		if !ok {
			continue
		}
		if err := s.artifacts.Save(artifact); err != nil {
			result := report.Results[kind]
			result.Trained = false
			result.Error = err.Error()
			log.Errorf("[学习服务] %s 产物落盘失败: %v", kind, err)
		}
	}

	log.Infof("[学习服务] 训练结束, 整体成功=%v", report.Success)
	return report, nil
}

// 跳过训练时返回的报告：携带各模型最近一次的评估指标
func (s *LearningService) persistedReport() *models.TrainReport {
	report := &models.TrainReport{
		Results:    make(map[string]*models.ModelTrainResult),
		Skipped:    true,
		EventCount: s.store.Count(),
		TrainedAt:  time.Now(),
	}
	for _, kind := range models.ModelKinds {
		result := &models.ModelTrainResult{Kind: kind}
		if artifact, err := s.artifacts.Load(kind); err == nil && artifact != nil {
			result.Trained = true
			result.Metrics = artifact.Metrics
			if artifact.Cluster != nil {
				result.ClusterSizes = artifact.Cluster.Sizes
			}
		}
		report.Results[kind] = result
	}
	return report
}

// TrainAsync 发起后台训练，立即返回
// 已有训练在跑时拒绝新任务，调用方通过TrainingStatus轮询进度
func (s *LearningService) TrainAsync(force bool, minDataPoints int) error {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	if s.training.State == models.TrainStateRunning {
		return fmt.Errorf("训练任务已在运行, 请稍后再试")
	}

	now := time.Now()
	s.training = models.TrainingJobStatus{
		State:     models.TrainStateRunning,
		StartedAt: &now,
	}

	go func() {
		report, err := s.Train(context.Background(), force, minDataPoints)

		s.trainMu.Lock()
		defer s.trainMu.Unlock()
		finished := time.Now()
		s.training.FinishedAt = &finished
		if err != nil {
			s.training.State = models.TrainStateFailed
			s.training.LastError = err.Error()
			log.Warnf("[学习服务] 后台训练失败: %v", err)
			return
		}
		s.training.State = models.TrainStateCompleted
		s.training.LastReport = report
	}()
	return nil
}

// TrainingStatus 返回后台训练任务状态的副本
func (s *LearningService) TrainingStatus() *models.TrainingJobStatus {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()
	status := s.training
	return &status
}

// Predict 对请求的时间跨度预测期望评分
// 性能模型没有产物时返回model_not_trained状态而不是错误；
// 非法时间跨度是调用方错误，返回校验错误
func (s *LearningService) Predict(req *models.PredictRequest) (*models.PredictResponse, error) {
	if req == nil {
		return nil, models.NewValidationError("request", "请求不能为空")
	}

	artifact, err := s.artifacts.Load(models.ModelKindPerformance)
	if err != nil {
		return nil, err
	}

	results, err := s.predictor.Predict(artifact, req, time.Now())
	if err != nil {
		var notTrained *models.ModelNotTrainedError
		if errors.As(err, &notTrained) {
			log.Debugf("[学习服务] 预测请求被拒: %v", err)
			return &models.PredictResponse{
				Status:      models.PredictStatusNotTrained,
				Predictions: []*models.PredictionResult{},
			}, nil
		}
		return nil, err
	}

	return &models.PredictResponse{
		Status:      models.PredictStatusOK,
		Predictions: results,
	}, nil
}

// Recommendations 基于当前模式与指标生成推荐
func (s *LearningService) Recommendations() ([]*models.Recommendation, error) {
	index, err := s.store.PatternIndexSnapshot()
	if err != nil {
		return nil, err
	}
	return s.recommender.Generate(index, s.Metrics()), nil
}

// GetStatus 返回系统整体状态：指标、模式计数、模型训练情况与后台任务状态
func (s *LearningService) GetStatus() *models.SystemStatus {
	return &models.SystemStatus{
		LearningMetrics: s.Metrics(),
		PatternCounts:   s.store.PatternCounts(),
		ModelsTrained:   s.artifacts.TrainedFlags(),
		ModelVersions:   s.artifacts.Versions(),
		Training:        s.TrainingStatus(),
	}
}
