package models

import (
	"time"

	"github.com/google/uuid"
)

// 模型种类常量 ---------------------------------

const (
	ModelKindPerformance  = "performance_predictor"   // 性能回归模型
	ModelKindSatisfaction = "satisfaction_classifier" // 满意度分类模型
	ModelKindCluster      = "pattern_clusterer"       // 模式聚类模型
)

// ModelKinds 所有模型种类，按训练顺序排列
var ModelKinds = []string{ModelKindPerformance, ModelKindSatisfaction, ModelKindCluster}

// 趋势方向常量
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// 预测状态常量
const (
	PredictStatusOK         = "ok"
	PredictStatusNotTrained = "model_not_trained"
)

// 训练任务状态常量
const (
	TrainStateIdle      = "idle"
	TrainStateRunning   = "running"
	TrainStateCompleted = "completed"
	TrainStateFailed    = "failed"
)

// API请求/响应模型 ---------------------------------

// SubmitFeedbackRequest 提交反馈请求
type SubmitFeedbackRequest struct {
	UserID                 string   `json:"userId"`
	SessionID              string   `json:"sessionId"`
	Question               string   `json:"question"`
	Response               string   `json:"response"`
	Rating                 int      `json:"rating"` // 1-5 评分
	FeedbackText           string   `json:"feedbackText,omitempty"`
	ResponseTime           float64  `json:"responseTime"` // 响应耗时（秒）
	QualityScore           float64  `json:"qualityScore"`
	ImprovementSuggestions []string `json:"improvementSuggestions,omitempty"`
}

// FeedbackEvent 反馈事件，写入后不可变
type FeedbackEvent struct {
	ID                     string    `json:"id"`
	Seq                    int64     `json:"seq"` // 追加序号，与时间戳一起唯一标识事件
	UserID                 string    `json:"userId"`
	SessionID              string    `json:"sessionId"`
	Question               string    `json:"question"`
	Response               string    `json:"response"`
	Rating                 int       `json:"rating"`
	FeedbackText           string    `json:"feedbackText,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
	ResponseTime           float64   `json:"responseTime"`
	QualityScore           float64   `json:"qualityScore"`
	ImprovementSuggestions []string  `json:"improvementSuggestions,omitempty"`
}

// NewFeedbackEvent 从请求创建反馈事件
func NewFeedbackEvent(req *SubmitFeedbackRequest) *FeedbackEvent {
	return &FeedbackEvent{
		ID:                     uuid.New().String(),
		UserID:                 req.UserID,
		SessionID:              req.SessionID,
		Question:               req.Question,
		Response:               req.Response,
		Rating:                 req.Rating,
		FeedbackText:           req.FeedbackText,
		Timestamp:              time.Now(),
		ResponseTime:           req.ResponseTime,
		QualityScore:           req.QualityScore,
		ImprovementSuggestions: req.ImprovementSuggestions,
	}
}

// 模式索引模型 ---------------------------------

// QuestionPattern 问题模式，按稳定指纹聚合同一问题的观测序列
type QuestionPattern struct {
	Fingerprint   string    `json:"fingerprint"`
	Question      string    `json:"question"`
	Ratings       []int     `json:"ratings"`
	ResponseTimes []float64 `json:"responseTimes"`
	QualityScores []float64 `json:"qualityScores"`
}

// ResponsePattern 高质量响应模式样本（评分>=4时记录）
type ResponsePattern struct {
	Length       int       `json:"length"`
	Rating       int       `json:"rating"`
	ResponseTime float64   `json:"responseTime"`
	Timestamp    time.Time `json:"timestamp"`
}

// UserPreferenceProfile 用户偏好画像
type UserPreferenceProfile struct {
	UserID                   string `json:"userId"`
	PreferredResponseLengths []int  `json:"preferredResponseLengths"`
	SatisfactionHistory      []int  `json:"satisfactionHistory"`
}

// RatingAggregate 评分聚合（增量维护，避免重扫全量日志）
type RatingAggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Average 平均评分，无数据时返回0
func (a *RatingAggregate) Average() float64 {
	if a == nil || a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Add 累加一次评分观测
func (a *RatingAggregate) Add(rating int) {
	a.Count++
	a.Sum += float64(rating)
}

// TopicStats 主题维度的评分聚合
type TopicStats struct {
	Coding          RatingAggregate `json:"coding"`
	Conceptual      RatingAggregate `json:"conceptual"`
	Troubleshooting RatingAggregate `json:"troubleshooting"`
}

// PatternIndex 模式索引，随每次反馈写入增量更新
type PatternIndex struct {
	QuestionPatterns map[string]*QuestionPattern       `json:"questionPatterns"`
	ResponsePatterns map[string][]*ResponsePattern     `json:"responsePatterns"`
	UserPreferences  map[string]*UserPreferenceProfile `json:"userPreferences"`
	ImprovementRules []string                          `json:"improvementRules"`
	HourlyRatings    map[int]*RatingAggregate          `json:"hourlyRatings"`
	Topics           TopicStats                        `json:"topics"`
}

// NewPatternIndex 创建空模式索引
func NewPatternIndex() *PatternIndex {
	return &PatternIndex{
		QuestionPatterns: make(map[string]*QuestionPattern),
		ResponsePatterns: make(map[string][]*ResponsePattern),
		UserPreferences:  make(map[string]*UserPreferenceProfile),
		ImprovementRules: []string{},
		HourlyRatings:    make(map[int]*RatingAggregate),
	}
}

// 学习指标模型 ---------------------------------

// LearningMetrics 学习指标快照
// 只携带计算窗口与事件数，不携带墙钟时间，保证同一事件集合重算结果一致
type LearningMetrics struct {
	AvgRating          float64 `json:"avgRating"`
	ResponseTimeTrend  float64 `json:"responseTimeTrend"`
	QualityImprovement float64 `json:"qualityImprovement"`
	SatisfactionTrend  float64 `json:"satisfactionTrend"`
	LearningVelocity   float64 `json:"learningVelocity"`
	ConfidenceScore    float64 `json:"confidenceScore"`
	WindowDays         int     `json:"windowDays"`
	EventCount         int     `json:"eventCount"`
}

// 训练产物模型 ---------------------------------

// ScalerParams 标准化参数（零均值单位方差），训练时拟合，推理时原样复用
type ScalerParams struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// PerformanceModel 性能回归模型：自助采样的线性成员集成
// 每个成员为 [截距, w1..wd]，预测取成员均值，置信度来自成员间方差
type PerformanceModel struct {
	Scaler       ScalerParams `json:"scaler"`
	FeatureNames []string     `json:"featureNames"`
	Members      [][]float64  `json:"members"`
	Importances  []float64    `json:"importances"`
}

// SatisfactionModel 满意度三分类模型（softmax回归）
// Weights 为 3 x (d+1)，每行 [截距, w1..wd]，类别顺序 low/medium/high
type SatisfactionModel struct {
	Scaler  ScalerParams `json:"scaler"`
	Weights [][]float64  `json:"weights"`
	Classes []string     `json:"classes"`
}

// ClusterModel 模式聚类模型（k-means）
type ClusterModel struct {
	Scaler    ScalerParams `json:"scaler"`
	K         int          `json:"k"`
	Centroids [][]float64  `json:"centroids"`
	Sizes     []int        `json:"sizes"`
	Inertia   float64      `json:"inertia"`
}

// TrainedModelArtifact 带版本的训练产物，成功训练整体替换，失败不留半成品
type TrainedModelArtifact struct {
	Kind         string             `json:"kind"`
	Version      int                `json:"version"`
	TrainedAt    time.Time          `json:"trainedAt"`
	SampleCount  int                `json:"sampleCount"`
	Metrics      map[string]float64 `json:"metrics"`
	Performance  *PerformanceModel  `json:"performance,omitempty"`
	Satisfaction *SatisfactionModel `json:"satisfaction,omitempty"`
	Cluster      *ClusterModel      `json:"cluster,omitempty"`
}

// ModelTrainResult 单模型训练结果
type ModelTrainResult struct {
	Kind         string             `json:"kind"`
	Trained      bool               `json:"trained"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ClusterSizes []int              `json:"clusterSizes,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// TrainReport 一次训练的汇总结果
type TrainReport struct {
	Results    map[string]*ModelTrainResult `json:"results"`
	Success    bool                         `json:"success"`
	Skipped    bool                         `json:"skipped"` // force=false且产物齐全时为true
	EventCount int                          `json:"eventCount"`
	TrainedAt  time.Time                    `json:"trainedAt"`
}

// 预测模型 ---------------------------------

// PredictRequest 预测请求
type PredictRequest struct {
	CurrentFeatures map[string]float64 `json:"currentFeatures"`
	Horizons        []string           `json:"horizons,omitempty"` // 1d/1w/1m，为空时全量预测
}

// PredictionResult 单个时间跨度的预测结果
type PredictionResult struct {
	MetricName             string   `json:"metricName"`
	CurrentValue           float64  `json:"currentValue"`
	PredictedValue         float64  `json:"predictedValue"`
	Confidence             float64  `json:"confidence"` // [0,1]
	Horizon                string   `json:"horizon"`
	ImprovementProbability float64  `json:"improvementProbability"` // [0,1]
	TrendDirection         string   `json:"trendDirection"`
	KeyFactors             []string `json:"keyFactors"`
}

// PredictResponse 预测响应
type PredictResponse struct {
	Status      string              `json:"status"` // ok / model_not_trained
	Predictions []*PredictionResult `json:"predictions"`
}

// 推荐模型 ---------------------------------

// Recommendation 模板化推荐，纯派生数据，记录生成它的统计量
type Recommendation struct {
	Text      string  `json:"text"`
	Statistic string  `json:"statistic"`
	Value     float64 `json:"value"`
}

// 状态模型 ---------------------------------

// TrainingJobStatus 后台训练任务状态
type TrainingJobStatus struct {
	State      string       `json:"state"` // idle/running/completed/failed
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	LastReport *TrainReport `json:"lastReport,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
}

// SystemStatus 系统状态响应
type SystemStatus struct {
	LearningMetrics *LearningMetrics   `json:"learningMetrics"`
	PatternCounts   map[string]int     `json:"patternCounts"`
	ModelsTrained   map[string]bool    `json:"modelsTrained"`
	ModelVersions   map[string]int     `json:"modelVersions"`
	Training        *TrainingJobStatus `json:"training"`
}
