package logger

import "go.uber.org/zap"

// Log 调用 Init 之前不输出任何日志
var Log = zap.NewNop()

// Init development 使用控制台格式和 debug 级别，其余环境使用 JSON 生产配置
func Init(env string) {
	if env == "development" {
		Log = zap.Must(zap.NewDevelopment())
	} else {
		Log = zap.Must(zap.NewProduction())
	}
	zap.ReplaceGlobals(Log)
}

func Sync() {
	_ = Log.Sync()
}
