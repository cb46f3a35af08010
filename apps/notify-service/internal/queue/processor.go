package queue

import (
	"context"
	"sync"
	"time"

	"snippet-notify/pkg/logger"
)

// Processor 按固定间隔处理重试队列
type Processor struct {
	queue     *RetryQueue
	interval  time.Duration
	batchSize int
	logger    logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewProcessor 创建队列处理器
func NewProcessor(queue *RetryQueue, interval time.Duration, batchSize int, log logger.Logger) *Processor {
	return &Processor{
		queue:     queue,
		interval:  interval,
		batchSize: batchSize,
		logger:    log,
		stopCh:    make(chan struct{}),
	}
}

// Start 启动处理循环
func (p *Processor) Start(ctx context.Context) error {
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info(ctx, "Retry queue processor started",
		logger.F("interval", p.interval.String()),
		logger.F("batchSize", p.batchSize))
	return nil
}

// Stop 停止处理循环并等待当前批次结束
func (p *Processor) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info(ctx, "Retry queue processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			p.RunOnce(runCtx)
		case <-p.stopCh:
			return
		}
	}
}

// RunOnce 清理过期条目并处理一批
func (p *Processor) RunOnce(ctx context.Context) {
	expired := p.queue.CleanupExpired(p.queue.now())
	res := p.queue.ProcessBatch(ctx, p.batchSize)
	if expired > 0 || res.ProcessedCount > 0 || res.ExpiredCount > 0 {
		p.logger.Debug(ctx, "Retry batch processed",
			logger.F("processed", res.ProcessedCount),
			logger.F("success", res.SuccessCount),
			logger.F("failed", res.FailedCount),
			logger.F("retried", res.RetryCount),
			logger.F("expired", res.ExpiredCount+expired),
			logger.F("cancelled", res.CancelledCount),
			logger.F("depth", p.queue.Len()))
	}
}
