package engines

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
)

// 支持的预测时间跨度与对应天数
var horizonDays = map[string]int{
	"1d": 1,
	"1w": 7,
	"1m": 30,
}

// 时间跨度的固定输出顺序
var horizonOrder = []string{"1d", "1w", "1m"}

// 置信度不可用时的兜底值
const defaultConfidence = 0.7

// PredictionEngine 预测引擎
// 只读消费已训练的性能模型产物，对每个请求的时间跨度产出一条预测。
// 推理绝不修改产物，也绝不重新拟合标准化参数
type PredictionEngine struct {
	cfg       *config.Config
	extractor *FeatureExtractor
}

// NewPredictionEngine 创建预测引擎
func NewPredictionEngine(cfg *config.Config) *PredictionEngine {
	return &PredictionEngine{
		cfg:       cfg,
		extractor: NewFeatureExtractor(),
	}
}

// Predict 对请求的时间跨度逐一预测期望评分
// horizons为空时预测全部跨度；包含未知跨度时整体拒绝
func (e *PredictionEngine) Predict(artifact *models.TrainedModelArtifact, req *models.PredictRequest, now time.Time) ([]*models.PredictionResult, error) {
	if artifact == nil || artifact.Performance == nil || len(artifact.Performance.Members) == 0 {
		return nil, &models.ModelNotTrainedError{Kind: models.ModelKindPerformance}
	}

	horizons, err := resolveHorizons(req.Horizons)
	if err != nil {
		return nil, err
	}

	model := artifact.Performance
	baseVector := e.extractor.VectorFromSnapshot(req.CurrentFeatures, now)

	// 当前基线：未调整向量的集成预测
	baseScaled := ApplyScaler(model.Scaler, baseVector)
	baseline := clipRating(ensembleMean(model.Members, baseScaled))

	factors := keyFactors(model)

	results := make([]*models.PredictionResult, 0, len(horizons))
	for _, label := range horizons {
		days := horizonDays[label]

		// 随时间跨度调整特征：学习推进带来的渐进变化
		adjusted := make([]float64, len(baseVector))
		copy(adjusted, baseVector)
		adjusted[horizonAdjustIndex] *= 1 + float64(days)*e.cfg.HorizonDailyGain

		scaled := ApplyScaler(model.Scaler, adjusted)
		memberPreds := make([]float64, len(model.Members))
		var sum float64
		for m, member := range model.Members {
			memberPreds[m] = memberPredict(member, scaled)
			sum += memberPreds[m]
		}
		predicted := clipRating(sum / float64(len(model.Members)))

		results = append(results, &models.PredictionResult{
			MetricName:             "expected_rating_" + label,
			CurrentValue:           baseline,
			PredictedValue:         predicted,
			Confidence:             e.ensembleConfidence(memberPreds),
			Horizon:                label,
			ImprovementProbability: improvementProbability(predicted, baseline),
			TrendDirection:         e.trendDirection(predicted, baseline),
			KeyFactors:             factors,
		})
	}
	return results, nil
}

// 校验并归一化时间跨度列表，保持固定输出顺序
func resolveHorizons(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return horizonOrder, nil
	}

	wanted := make(map[string]bool, len(requested))
	for _, label := range requested {
		if _, ok := horizonDays[label]; !ok {
			return nil, models.NewValidationError("horizons", fmt.Sprintf("不支持的时间跨度: %s", label))
		}
		wanted[label] = true
	}

	horizons := make([]string, 0, len(wanted))
	for _, label := range horizonOrder {
		if wanted[label] {
			horizons = append(horizons, label)
		}
	}
	return horizons, nil
}

// 置信度来自成员预测的离散程度：成员越一致置信越高
// 只取前若干个成员，集成规模变化时置信度口径保持稳定
func (e *PredictionEngine) ensembleConfidence(memberPreds []float64) float64 {
	limit := e.cfg.ConfidenceMembers
	if limit <= 0 || limit > len(memberPreds) {
		limit = len(memberPreds)
	}
	if limit < 2 {
		return defaultConfidence
	}

	_, std := stat.MeanStdDev(memberPreds[:limit], nil)
	if math.IsNaN(std) {
		return defaultConfidence
	}
	return clipUnit(1 - std/5.0)
}

// 改善概率：预测与基线的差值映射到[0,1]
func improvementProbability(predicted, baseline float64) float64 {
	return clipUnit((predicted - baseline + 2) / 4)
}

// 趋势方向：差值超过容差才算方向性变化
func (e *PredictionEngine) trendDirection(predicted, baseline float64) string {
	diff := predicted - baseline
	switch {
	case diff > e.cfg.TrendEpsilon:
		return models.TrendRising
	case diff < -e.cfg.TrendEpsilon:
		return models.TrendFalling
	default:
		return models.TrendStable
	}
}

// 关键因素：按重要度取前三个特征名，无重要度数据时给固定兜底
func keyFactors(model *models.PerformanceModel) []string {
	if len(model.Importances) == 0 || len(model.Importances) != len(model.FeatureNames) {
		return []string{"response_time", "quality_score", "question_length"}
	}

	type ranked struct {
		name       string
		importance float64
	}
	items := make([]ranked, len(model.Importances))
	for i, imp := range model.Importances {
		items[i] = ranked{name: model.FeatureNames[i], importance: imp}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].importance > items[j].importance
	})

	top := 3
	if top > len(items) {
		top = len(items)
	}
	factors := make([]string, top)
	for i := 0; i < top; i++ {
		factors[i] = items[i].name
	}
	return factors
}

// 预测值夹到合法评分区间
func clipRating(v float64) float64 {
	return math.Max(1, math.Min(5, v))
}

func clipUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
