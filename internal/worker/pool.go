package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchFunc claims and processes one batch of work. It returns how many records it
// handled; zero means there was nothing to do and the worker should wait.
type BatchFunc func(ctx context.Context) (int, error)

// Pool runs a fixed number of workers that poll a BatchFunc until stopped.
type Pool struct {
	name     string
	size     int
	interval time.Duration
	run      BatchFunc
	logger   *zap.Logger

	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewPool(name string, size int, interval time.Duration, run BatchFunc, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{
		name:     name,
		size:     size,
		interval: interval,
		run:      run,
		logger:   logger.With(zap.String("pool", name)),
		stopChan: make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx has the same effect as Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, uuid.NewString())
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.size), zap.Duration("poll_interval", p.interval))
}

// Stop signals the workers and waits for the batches in flight. Claims a batch had not
// started yet are released by the BatchFunc when it sees the cancelled context.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopChan)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id string) {
	defer p.wg.Done()
	log := p.logger.With(zap.String("worker_id", id))

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.run(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("batch failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			log.Debug("batch done", zap.Int("records", n))
			continue
		}

		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}
