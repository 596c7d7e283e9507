package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	// 服务配置
	ServiceName string
	Debug       bool
	StoragePath string

	// ======== 指标计算配置 ========
	MetricsWindowDays int // 学习指标滚动窗口天数，默认7天

	// ======== 训练配置 ========
	MinTrainingSamples int           // 最小训练样本数，低于该值拒绝训练，默认5
	EnsembleSize       int           // 性能回归集成成员数，默认20
	ConfidenceMembers  int           // 参与置信度计算的成员数上限，默认10
	MaxClusters        int           // 聚类数上限，默认5
	TrainingTimeout    time.Duration // 单次训练总超时，默认2分钟
	RandomSeed         int64         // 训练随机种子，固定以保证可复现

	// ======== 预测配置 ========
	TrendEpsilon     float64 // 趋势判定阈值，预测与基线差异小于该值视为稳定
	HorizonDailyGain float64 // 学习曲线假设：每天的特征改善比例，默认1%
}

// Load 从环境变量加载配置
func Load() *Config {
	// 尝试加载.env文件，优先尝试config目录，然后兼容当前目录
	envPaths := []string{
		"config/.env",
		".env",
	}

	loaded := false
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("成功加载.env文件: %s", path)
				loaded = true
				break
			}
		}
	}

	if !loaded {
		log.Printf("警告: 未找到.env文件，尝试使用系统环境变量")
	}

	// 创建配置实例
	config := &Config{
		// 服务配置默认值
		ServiceName: getEnv("SERVICE_NAME", "learning-loop"),
		Debug:       getEnvAsBool("DEBUG", false),
		StoragePath: getEnv("STORAGE_PATH", getStoragePathDefault()),

		// 指标计算配置
		MetricsWindowDays: getEnvAsInt("METRICS_WINDOW_DAYS", 7),

		// 训练配置
		MinTrainingSamples: getEnvAsInt("MIN_TRAINING_SAMPLES", 5),
		EnsembleSize:       getEnvAsInt("ENSEMBLE_SIZE", 20),
		ConfidenceMembers:  getEnvAsInt("CONFIDENCE_MEMBERS", 10),
		MaxClusters:        getEnvAsInt("MAX_CLUSTERS", 5),
		TrainingTimeout:    getEnvAsDuration("TRAINING_TIMEOUT", 2*time.Minute),
		RandomSeed:         int64(getEnvAsInt("RANDOM_SEED", 42)),

		// 预测配置
		TrendEpsilon:     getEnvAsFloat("TREND_EPSILON", 0.1),
		HorizonDailyGain: getEnvAsFloat("HORIZON_DAILY_GAIN", 0.01),
	}

	// 确保存储路径存在
	if err := ensureDir(config.StoragePath); err != nil {
		log.Printf("警告: 创建存储目录失败: %v", err)
	}

	return config
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	return fmt.Sprintf(
		"服务名称: %s, 调试模式: %v, 存储路径: %s, 指标窗口: %d天, "+
			"最小训练样本: %d, 集成成员: %d, 聚类上限: %d, 训练超时: %v",
		c.ServiceName, c.Debug, c.StoragePath, c.MetricsWindowDays,
		c.MinTrainingSamples, c.EnsembleSize, c.MaxClusters, c.TrainingTimeout,
	)
}

// MetricsWindow 指标滚动窗口时长
func (c *Config) MetricsWindow() time.Duration {
	return time.Duration(c.MetricsWindowDays) * 24 * time.Hour
}

// 从环境变量获取字符串值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// 从环境变量获取整数值
func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取布尔值
func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取浮点值
func getEnvAsFloat(key string, defaultValue float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取时间值
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 确保目录存在
func ensureDir(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, 0755)
	}
	return nil
}

// 获取存储路径的默认值（使用操作系统标准应用数据目录）
func getStoragePathDefault() string {
	// 应用名称，用于创建子目录
	appName := "learning-loop"

	// 尝试获取用户主目录
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Printf("警告: 无法获取用户主目录: %v", err)
		// 回退到相对路径
		return "./data"
	}

	var dataPath string

	// 根据操作系统选择标准应用数据目录
	switch runtime.GOOS {
	case "darwin": // macOS
		// ~/Library/Application Support/learning-loop/
		dataPath = filepath.Join(homeDir, "Library", "Application Support", appName)

	case "windows":
		// 尝试使用APPDATA环境变量
		appData := os.Getenv("APPDATA")
		if appData != "" {
			dataPath = filepath.Join(appData, appName)
		} else {
			// 回退到用户目录下的标准位置
			dataPath = filepath.Join(homeDir, "AppData", "Roaming", appName)
		}

	default: // Linux和其他UNIX系统
		// ~/.local/share/learning-loop/
		dataPath = filepath.Join(homeDir, ".local", "share", appName)

		// 检查XDG_DATA_HOME环境变量
		xdgDataHome := os.Getenv("XDG_DATA_HOME")
		if xdgDataHome != "" {
			dataPath = filepath.Join(xdgDataHome, appName)
		}
	}

	// 确保目录存在
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		log.Printf("警告: 创建数据目录失败: %v", err)

		// 如果创建失败，回退到用户主目录下的隐藏目录
		fallbackPath := filepath.Join(homeDir, "."+appName)
		log.Printf("尝试使用回退目录: %s", fallbackPath)

		if err := os.MkdirAll(fallbackPath, 0755); err != nil {
			log.Printf("警告: 创建回退目录也失败: %v", err)
			return "./data" // 最终回退到相对路径
		}
		return fallbackPath
	}

	return dataPath
}
