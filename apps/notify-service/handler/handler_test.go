package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/apps/notify-service/service"
	"snippet-notify/pkg/config"
	"snippet-notify/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingTransport struct {
	mu     sync.Mutex
	frames map[string][]model.Frame
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(map[string][]model.Frame)}
}

func (t *recordingTransport) Send(_ context.Context, connectionID string, frame model.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[connectionID] = append(t.frames[connectionID], frame)
	return nil
}

func (t *recordingTransport) count(connectionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames[connectionID])
}

func testNotifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Connection: config.ConnectionConfig{
			ConnectTimeout: 5 * time.Second,
			SendTimeout:    time.Second,
			Shards:         4,
			MaxPayloadSize: 4096,
		},
		Heartbeat: config.HeartbeatConfig{Interval: 30 * time.Second, Timeout: 90 * time.Second},
		Queue: config.QueueConfig{
			Capacity:        8,
			BatchSize:       10,
			ProcessInterval: time.Second,
			MaxRetries:      3,
			Backoff:         config.BackoffConfig{Initial: time.Second, Max: time.Minute, Factor: 2},
		},
		Events: config.EventsConfig{LogCapacity: 100, SinkBuffer: 16, StatusCacheSize: 100},
		Fanout: config.FanoutConfig{Concurrency: 4},
	}
}

func newHandlerService(t *testing.T, opts service.Options) *service.Service {
	t.Helper()
	opts.Config = testNotifyConfig()
	svc, err := service.NewService(opts, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}
