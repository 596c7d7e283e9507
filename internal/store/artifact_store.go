package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/learningloop/service/internal/models"
)

// ArtifactStore 训练产物存储
// 每种模型一个带版本的JSON文件，写入走临时文件+原子改名替换：
// 读者要么看到旧版本要么看到新版本，失败的训练不会破坏已有产物
type ArtifactStore struct {
	dir string
	mu  sync.RWMutex
}

// NewArtifactStore 创建训练产物存储
func NewArtifactStore(storePath string) (*ArtifactStore, error) {
	dir := filepath.Join(storePath, "models")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建模型目录失败: %w", err)
	}
	log.Infof("[产物存储] 初始化完成, 目录: %s", dir)
	return &ArtifactStore{dir: dir}, nil
}

// Save 原子替换指定种类的产物，版本号在上一版基础上递增
func (s *ArtifactStore) Save(artifact *models.TrainedModelArtifact) error {
	if artifact == nil || artifact.Kind == "" {
		return models.NewValidationError("kind", "产物种类不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.loadLocked(artifact.Kind)
	if err != nil {
		return err
	}
	artifact.Version = 1
	if previous != nil {
		artifact.Version = previous.Version + 1
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化产物失败: %w", err)
	}

	finalPath := s.artifactPath(artifact.Kind)
	tmpPath := finalPath + ".tmp"
	if err := writeFileRetry(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return &models.PersistenceError{Op: "写入产物临时文件", Err: err}
	}
	if err := renameRetry(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return &models.PersistenceError{Op: "替换产物文件", Err: err}
	}

	log.Infof("[产物存储] 产物已更新: %s v%d", artifact.Kind, artifact.Version)
	return nil
}

// Load 加载指定种类的最新产物，不存在时返回nil而不是错误
func (s *ArtifactStore) Load(kind string) (*models.TrainedModelArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(kind)
}

// Exists 判断指定种类的产物是否存在
func (s *ArtifactStore) Exists(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.artifactPath(kind))
	return err == nil
}

// TrainedFlags 每种模型是否有可用产物
func (s *ArtifactStore) TrainedFlags() map[string]bool {
	flags := make(map[string]bool, len(models.ModelKinds))
	for _, kind := range models.ModelKinds {
		flags[kind] = s.Exists(kind)
	}
	return flags
}

// Versions 每种已训练模型的当前版本号
func (s *ArtifactStore) Versions() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make(map[string]int)
	for _, kind := range models.ModelKinds {
		artifact, err := s.loadLocked(kind)
		if err != nil || artifact == nil {
			continue
		}
		versions[kind] = artifact.Version
	}
	return versions
}

func (s *ArtifactStore) artifactPath(kind string) string {
	return filepath.Join(s.dir, kind+".json")
}

func (s *ArtifactStore) loadLocked(kind string) (*models.TrainedModelArtifact, error) {
	data, err := os.ReadFile(s.artifactPath(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &models.PersistenceError{Op: "读取产物文件", Err: err}
	}

	var artifact models.TrainedModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("解析产物文件失败: %w", err)
	}
	return &artifact, nil
}
