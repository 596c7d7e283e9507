package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/learningloop/service/internal/config"
	"github.com/learningloop/service/internal/models"
	"github.com/learningloop/service/internal/services"
	"github.com/learningloop/service/internal/store"
)

// 单行请求/响应的大小上限
const maxLineSize = 4 * 1024 * 1024

// request 标准输入上的JSON行请求
type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response 标准输出上的JSON行响应
type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result interface{}     `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func main() {
	importPath := flag.String("import", "", "从JSONL文件批量导入历史反馈后退出")
	flag.Parse()

	cfg := config.Load()

	// 协议走stdout，日志必须全部走stderr
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	log.Infof("[启动] learning-loop 服务启动, %s", cfg)

	feedbackStore, err := store.NewFeedbackStore(cfg.StoragePath)
	if err != nil {
		log.Fatalf("[启动] 初始化反馈存储失败: %v", err)
	}
	artifactStore, err := store.NewArtifactStore(cfg.StoragePath)
	if err != nil {
		log.Fatalf("[启动] 初始化产物存储失败: %v", err)
	}
	service := services.NewLearningService(cfg, feedbackStore, artifactStore)

	if *importPath != "" {
		if err := runImport(feedbackStore, *importPath); err != nil {
			log.Fatalf("[导入] 批量导入失败: %v", err)
		}
		return
	}

	runLoop(service)
}

// runLoop 标准输入上的JSON行请求循环，每行一个请求、每行一个响应
func runLoop(service *services.LearningService) {
	log.Infof("[服务] 等待标准输入上的请求...")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(encoder, &response{OK: false, Error: fmt.Sprintf("请求解析失败: %v", err)})
			continue
		}

		result, err := dispatch(service, &req)
		if err != nil {
			writeResponse(encoder, &response{ID: req.ID, OK: false, Error: err.Error()})
			continue
		}
		writeResponse(encoder, &response{ID: req.ID, OK: true, Result: result})
	}

	if err := scanner.Err(); err != nil {
		log.Fatalf("[服务] 读取标准输入失败: %v", err)
	}
	log.Infof("[服务] 标准输入关闭, 服务退出")
}

// dispatch 按操作名路由请求
func dispatch(service *services.LearningService, req *request) (interface{}, error) {
	switch req.Op {
	case "submit_feedback":
		var params models.SubmitFeedbackRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		event, metrics, err := service.SubmitFeedback(&params)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"eventId": event.ID,
			"metrics": metrics,
		}, nil

	case "get_metrics":
		return service.Metrics(), nil

	case "train":
		var params struct {
			Force         bool `json:"force"`
			Async         bool `json:"async"`
			MinDataPoints int  `json:"minDataPoints"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Async {
			if err := service.TrainAsync(params.Force, params.MinDataPoints); err != nil {
				return nil, err
			}
			return service.TrainingStatus(), nil
		}
		return service.Train(context.Background(), params.Force, params.MinDataPoints)

	case "training_status":
		return service.TrainingStatus(), nil

	case "predict":
		var params models.PredictRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return service.Predict(&params)

	case "recommendations":
		return service.Recommendations()

	case "status":
		return service.GetStatus(), nil

	default:
		return nil, fmt.Errorf("未知操作: %s", req.Op)
	}
}

func decodeParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("参数解析失败: %w", err)
	}
	return nil
}

func writeResponse(encoder *json.Encoder, resp *response) {
	if err := encoder.Encode(resp); err != nil {
		log.Errorf("[服务] 写出响应失败: %v", err)
	}
}

// runImport 从JSONL文件批量导入历史反馈事件
// 保留事件自带的时间戳，坏行跳过并计数
func runImport(feedbackStore *store.FeedbackStore, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开导入文件失败: %w", err)
	}
	defer file.Close()

	// 先数行数，给进度条一个确定的总量
	total := 0
	counter := bufio.NewScanner(file)
	counter.Buffer(make([]byte, maxLineSize), maxLineSize)
	for counter.Scan() {
		if strings.TrimSpace(counter.Text()) != "" {
			total++
		}
	}
	if err := counter.Err(); err != nil {
		return fmt.Errorf("扫描导入文件失败: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("重置文件指针失败: %w", err)
	}

	log.Infof("[导入] 开始导入 %d 条反馈: %s", total, path)
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("导入反馈"),
		progressbar.OptionShowCount(),
	)

	imported, skipped := 0, 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		bar.Add(1)

		var event models.FeedbackEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			skipped++
			log.Warnf("[导入] 第%d条解析失败, 已跳过: %v", imported+skipped, err)
			continue
		}
		if err := feedbackStore.Append(&event); err != nil {
			skipped++
			log.Warnf("[导入] 第%d条写入失败, 已跳过: %v", imported+skipped, err)
			continue
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取导入文件失败: %w", err)
	}

	fmt.Fprintln(os.Stderr)
	log.Infof("[导入] 导入完成: 成功%d条, 跳过%d条", imported, skipped)
	return nil
}
