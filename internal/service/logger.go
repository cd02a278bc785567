package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("New order placed", zap.String("order_id", id))
// 组件内部优先使用注入的 *zap.Logger，这里只服务于 main 的启动阶段
var Logger = zap.NewNop()

// NewLogger 构建 Zap 日志；debug=true 时使用开发模式 (彩色、Debug 级别)
func NewLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
	}

	// 格式化时间
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	// 如果需要写入文件，可以修改 OutputPaths:
	// config.OutputPaths = []string{"stdout", "log/app.log"}

	return config.Build()
}

// InitLogger 初始化高性能的 Zap 日志
func InitLogger(debug bool) {
	logger, err := NewLogger(debug)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	Logger = logger
}
