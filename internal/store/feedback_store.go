package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/learningloop/service/internal/models"
	"github.com/learningloop/service/internal/utils"
)

const (
	feedbackLogFile = "feedback.jsonl"
	patternsFile    = "patterns.json"
)

// FeedbackStore 反馈存储管理
// 追加型日志 + 增量模式索引：日志只追加不改写，索引随每次写入同步更新。
// 所有写入串行通过同一把写锁，并发写入者不会交错出半个更新。
type FeedbackStore struct {
	storePath    string
	logPath      string
	patternsPath string
	events       []*models.FeedbackEvent
	patterns     *models.PatternIndex
	nextSeq      int64
	mu           sync.RWMutex
}

// NewFeedbackStore 创建反馈存储
func NewFeedbackStore(storePath string) (*FeedbackStore, error) {
	log.Infof("[反馈存储] 初始化反馈存储, 路径: %s", storePath)

	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	s := &FeedbackStore{
		storePath:    storePath,
		logPath:      filepath.Join(storePath, feedbackLogFile),
		patternsPath: filepath.Join(storePath, patternsFile),
		patterns:     models.NewPatternIndex(),
		nextSeq:      1,
	}

	if err := s.loadEvents(); err != nil {
		return nil, fmt.Errorf("加载反馈日志失败: %w", err)
	}
	if err := s.loadPatterns(); err != nil {
		return nil, fmt.Errorf("加载模式索引失败: %w", err)
	}

	log.Infof("[反馈存储] 初始化完成, 已加载 %d 条反馈, %d 个问题模式",
		len(s.events), len(s.patterns.QuestionPatterns))
	return s, nil
}

// Append 校验并追加一条反馈事件，同步增量更新模式索引
// 日志写入与索引更新要么一起生效，要么都不生效：内存状态在两个持久化
// 步骤都成功后才提交，读者不会看到半个更新
func (s *FeedbackStore) Append(event *models.FeedbackEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Seq = s.nextSeq

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化反馈事件失败: %w", err)
	}

	// 先在索引快照上应用更新并落到临时文件，再追加日志，最后原子替换索引。
	// 任一步失败则内存不提交，临时文件被清理
	snapshot, err := json.Marshal(s.patterns)
	if err != nil {
		return fmt.Errorf("序列化模式索引失败: %w", err)
	}

	s.applyPatternUpdate(event)

	staged, err := json.MarshalIndent(s.patterns, "", "  ")
	if err != nil {
		s.restorePatterns(snapshot)
		return fmt.Errorf("序列化更新后索引失败: %w", err)
	}

	tmpPath := s.patternsPath + ".tmp"
	if err := writeFileRetry(tmpPath, staged); err != nil {
		s.restorePatterns(snapshot)
		return &models.PersistenceError{Op: "写入索引临时文件", Err: err}
	}

	if err := appendLineRetry(s.logPath, line); err != nil {
		s.restorePatterns(snapshot)
		os.Remove(tmpPath)
		return &models.PersistenceError{Op: "追加反馈日志", Err: err}
	}

	if err := renameRetry(tmpPath, s.patternsPath); err != nil {
		s.restorePatterns(snapshot)
		os.Remove(tmpPath)
		return &models.PersistenceError{Op: "替换模式索引", Err: err}
	}

	// 两步持久化都成功，提交内存状态。
	// 存入副本，调用方之后修改自己的事件不会改写已存记录
	stored := *event
	s.events = append(s.events, &stored)
	s.nextSeq++

	log.Debugf("[反馈存储] 反馈已记录: 用户=%s, 评分=%d, 序号=%d",
		event.UserID, event.Rating, event.Seq)
	return nil
}

// LoadRecent 返回窗口内的全部事件，按时间戳排序（并列时按追加序号）
// 趋势计算必须基于时间序而不是插入序
func (s *FeedbackStore) LoadRecent(window time.Duration) []*models.FeedbackEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	result := make([]*models.FeedbackEvent, 0)
	for _, event := range s.events {
		if event.Timestamp.After(cutoff) {
			copied := *event
			result = append(result, &copied)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Seq < result[j].Seq
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// LoadAll 返回全部事件副本，按时间戳排序
func (s *FeedbackStore) LoadAll() []*models.FeedbackEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.FeedbackEvent, 0, len(s.events))
	for _, event := range s.events {
		copied := *event
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Seq < result[j].Seq
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// Count 当前事件总数
func (s *FeedbackStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// PatternCounts 各类模式的数量统计
func (s *FeedbackStore) PatternCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"question_patterns": len(s.patterns.QuestionPatterns),
		"response_patterns": len(s.patterns.ResponsePatterns),
		"user_preferences":  len(s.patterns.UserPreferences),
		"improvement_rules": len(s.patterns.ImprovementRules),
	}
}

// PatternIndexSnapshot 返回模式索引的深拷贝，外部修改不影响存储状态
func (s *FeedbackStore) PatternIndexSnapshot() (*models.PatternIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s.patterns)
	if err != nil {
		return nil, fmt.Errorf("序列化模式索引失败: %w", err)
	}
	snapshot := models.NewPatternIndex()
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("解析模式索引失败: %w", err)
	}
	ensureIndexMaps(snapshot)
	return snapshot, nil
}

// 校验反馈事件，指明出错字段
func validateEvent(event *models.FeedbackEvent) error {
	if event == nil {
		return models.NewValidationError("event", "事件不能为空")
	}
	if strings.TrimSpace(event.UserID) == "" {
		return models.NewValidationError("user_id", "用户ID不能为空")
	}
	if strings.TrimSpace(event.SessionID) == "" {
		return models.NewValidationError("session_id", "会话ID不能为空")
	}
	if strings.TrimSpace(event.Question) == "" {
		return models.NewValidationError("question", "问题内容不能为空")
	}
	if strings.TrimSpace(event.Response) == "" {
		return models.NewValidationError("response", "响应内容不能为空")
	}
	if event.Rating < 1 || event.Rating > 5 {
		return models.NewValidationError("rating",
			fmt.Sprintf("评分必须在1-5之间, 实际为%d", event.Rating))
	}
	if event.ResponseTime < 0 {
		return models.NewValidationError("response_time", "响应耗时不能为负")
	}
	if event.QualityScore < 0 {
		return models.NewValidationError("quality_score", "质量分不能为负")
	}
	return nil
}

// 在内存索引上应用一次反馈的增量更新
func (s *FeedbackStore) applyPatternUpdate(event *models.FeedbackEvent) {
	// 1. 问题模式：按稳定指纹聚合
	fingerprint := utils.QuestionFingerprint(event.Question)
	pattern, exists := s.patterns.QuestionPatterns[fingerprint]
	if !exists {
		pattern = &models.QuestionPattern{
			Fingerprint:   fingerprint,
			Question:      event.Question,
			Ratings:       []int{},
			ResponseTimes: []float64{},
			QualityScores: []float64{},
		}
		s.patterns.QuestionPatterns[fingerprint] = pattern
	}
	pattern.Ratings = append(pattern.Ratings, event.Rating)
	pattern.ResponseTimes = append(pattern.ResponseTimes, event.ResponseTime)
	pattern.QualityScores = append(pattern.QualityScores, event.QualityScore)

	// 2. 高质量响应模式：按响应长度分桶记录
	if event.Rating >= 4 {
		key := fmt.Sprintf("high_quality_%d", len(event.Response)/100)
		s.patterns.ResponsePatterns[key] = append(s.patterns.ResponsePatterns[key],
			&models.ResponsePattern{
				Length:       len(event.Response),
				Rating:       event.Rating,
				ResponseTime: event.ResponseTime,
				Timestamp:    event.Timestamp,
			})
	}

	// 3. 用户偏好画像
	profile, exists := s.patterns.UserPreferences[event.UserID]
	if !exists {
		profile = &models.UserPreferenceProfile{
			UserID:                   event.UserID,
			PreferredResponseLengths: []int{},
			SatisfactionHistory:      []int{},
		}
		s.patterns.UserPreferences[event.UserID] = profile
	}
	profile.PreferredResponseLengths = append(profile.PreferredResponseLengths, len(event.Response))
	profile.SatisfactionHistory = append(profile.SatisfactionHistory, event.Rating)

	// 4. 小时维度聚合，供推荐引擎直接消费
	hour := event.Timestamp.Hour()
	agg, exists := s.patterns.HourlyRatings[hour]
	if !exists {
		agg = &models.RatingAggregate{}
		s.patterns.HourlyRatings[hour] = agg
	}
	agg.Add(event.Rating)

	// 5. 改进规则：低分反馈附带的改进建议沉淀为规则（去重）
	if event.Rating <= 2 {
		for _, suggestion := range event.ImprovementSuggestions {
			suggestion = strings.TrimSpace(suggestion)
			if suggestion == "" || containsRule(s.patterns.ImprovementRules, suggestion) {
				continue
			}
			s.patterns.ImprovementRules = append(s.patterns.ImprovementRules, suggestion)
		}
	}

	// 6. 主题维度聚合
	if utils.HasCodeMarker(event.Question) {
		s.patterns.Topics.Coding.Add(event.Rating)
	}
	if utils.IsConceptual(event.Question) {
		s.patterns.Topics.Conceptual.Add(event.Rating)
	}
	if utils.IsTroubleshooting(event.Question) {
		s.patterns.Topics.Troubleshooting.Add(event.Rating)
	}
}

func containsRule(rules []string, rule string) bool {
	for _, existing := range rules {
		if existing == rule {
			return true
		}
	}
	return false
}

// 从序列化快照恢复索引（持久化失败时回滚内存状态）
func (s *FeedbackStore) restorePatterns(snapshot []byte) {
	restored := models.NewPatternIndex()
	if err := json.Unmarshal(snapshot, restored); err != nil {
		log.Errorf("[反馈存储] 回滚模式索引失败: %v", err)
		return
	}
	ensureIndexMaps(restored)
	s.patterns = restored
}

// 从日志文件加载全部事件
func (s *FeedbackStore) loadEvents() error {
	file, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("打开反馈日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event models.FeedbackEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			log.Warnf("[反馈存储] 第%d行反馈解析失败, 已跳过: %v", lineNo, err)
			continue
		}
		if event.Seq == 0 {
			event.Seq = s.nextSeq
		}
		s.events = append(s.events, &event)
		if event.Seq >= s.nextSeq {
			s.nextSeq = event.Seq + 1
		}
	}
	return scanner.Err()
}

// 从索引文件加载模式索引
func (s *FeedbackStore) loadPatterns() error {
	data, err := os.ReadFile(s.patternsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取模式索引失败: %w", err)
	}

	patterns := models.NewPatternIndex()
	if err := json.Unmarshal(data, patterns); err != nil {
		return fmt.Errorf("解析模式索引失败: %w", err)
	}
	ensureIndexMaps(patterns)
	s.patterns = patterns
	return nil
}

// 反序列化后补齐可能为nil的map字段
func ensureIndexMaps(index *models.PatternIndex) {
	if index.QuestionPatterns == nil {
		index.QuestionPatterns = make(map[string]*models.QuestionPattern)
	}
	if index.ResponsePatterns == nil {
		index.ResponsePatterns = make(map[string][]*models.ResponsePattern)
	}
	if index.UserPreferences == nil {
		index.UserPreferences = make(map[string]*models.UserPreferenceProfile)
	}
	if index.ImprovementRules == nil {
		index.ImprovementRules = []string{}
	}
	if index.HourlyRatings == nil {
		index.HourlyRatings = make(map[int]*models.RatingAggregate)
	}
}

// 持久化辅助：失败重试一次 ---------------------------------

func writeFileRetry(path string, data []byte) error {
	err := os.WriteFile(path, data, 0644)
	if err == nil {
		return nil
	}
	log.Warnf("[反馈存储] 写入%s失败, 重试一次: %v", path, err)
	return os.WriteFile(path, data, 0644)
}

func appendLineRetry(path string, line []byte) error {
	if err := appendLine(path, line); err == nil {
		return nil
	} else {
		log.Warnf("[反馈存储] 追加%s失败, 重试一次: %v", path, err)
	}
	return appendLine(path, line)
}

func appendLine(path string, line []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

func renameRetry(oldPath, newPath string) error {
	err := os.Rename(oldPath, newPath)
	if err == nil {
		return nil
	}
	log.Warnf("[反馈存储] 原子替换%s失败, 重试一次: %v", newPath, err)
	return os.Rename(oldPath, newPath)
}
