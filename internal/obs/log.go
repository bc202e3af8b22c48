package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogIncident records an operator-actionable failure with a stable error code.
// Key material and decrypted payloads must never appear in the fields.
func LogIncident(code string, fields map[string]any) {
	entry := map[string]any{
		"level": "error",
		"type":  "incident",
		"code":  code,
	}
	for k, v := range fields {
		entry[k] = v
	}
	LogRequest(entry)
}
