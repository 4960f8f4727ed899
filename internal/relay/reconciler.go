package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReconcileInterval 补偿扫描周期
	DefaultReconcileInterval = 300 * time.Second
	// DefaultReconcilePageSize 每个组合每次最多补偿的消息数
	DefaultReconcilePageSize = 100
	// defaultReconcileConcurrency 同时扫描的组合数
	defaultReconcileConcurrency = 4
)

// Reconciler 定期补偿实时事件漏掉的消息
// 和实时事件走同一个 Relayer.Relay，共用锁和去重
type Reconciler struct {
	relayer     *Relayer
	source      Source
	router      *Router
	interval    time.Duration
	pageSize    int
	concurrency int
	metrics     *metrics.Metrics

	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
	mu      sync.Mutex
	running bool
	sweeps  atomic.Int64
}

// ReconcilerConfig 补偿扫描配置，零值使用默认值
type ReconcilerConfig struct {
	Interval    time.Duration
	PageSize    int
	Concurrency int
}

// NewReconciler 创建补偿扫描器
func NewReconciler(relayer *Relayer, source Source, router *Router, cfg ReconcilerConfig, m *metrics.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultReconcilePageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultReconcileConcurrency
	}

	return &Reconciler{
		relayer:     relayer,
		source:      source,
		router:      router,
		interval:    cfg.Interval,
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
		metrics:     m,
	}
}

// SeedAll 启动时初始化全部组合的水位线
// 单个组合失败只记录日志，下次扫描时重试
func (r *Reconciler) SeedAll(ctx context.Context) {
	for _, pair := range r.router.Pairs() {
		if err := r.seed(ctx, pair); err != nil {
			logger.L().Errorf("Failed to initialize %d: %v", pair.SourceID, err)
		}
	}
}

func (r *Reconciler) seed(ctx context.Context, pair Pair) error {
	return r.relayer.Watermarks().Seed(ctx, pair, func(ctx context.Context) (int, error) {
		return r.source.LatestID(ctx, pair.SourceID)
	})
}

// Start 立即扫描一次，之后按周期扫描，重叠的扫描会被跳过
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reconciler is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger.L()))))
	id, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.Sweep(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	c.Start()
	// 首次扫描走同一个包装后的 job，与周期扫描互斥
	job := c.Entry(id).WrappedJob
	r.initial.Add(1)
	go func() {
		defer r.initial.Done()
		job.Run()
	}()

	r.cron = c
	r.cancel = cancel
	r.running = true

	logger.L().Infof("Reconciler started: interval=%s, page_size=%d", r.interval, r.pageSize)
	return nil
}

// Stop 停止调度并等待正在进行的扫描结束
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	r.cancel()
	<-r.cron.Stop().Done()
	r.initial.Wait()
	r.running = false
	logger.L().Info("Reconciler stopped")
}

// Sweep 执行一次补偿扫描
func (r *Reconciler) Sweep(ctx context.Context) {
	started := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	var relayed atomic.Int64
	for _, pair := range r.router.Pairs() {
		pair := pair
		g.Go(func() error {
			n, err := r.sweepPair(ctx, pair)
			relayed.Add(int64(n))
			if err != nil {
				logger.L().Errorf("Error checking missed messages: destination=%d, source=%d, err=%v",
					pair.DestinationID, pair.SourceID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.sweeps.Add(1)
	r.metrics.SweepCompleted()
	logger.L().Infof("Reconcile sweep completed: handled=%d, duration=%s", relayed.Load(), time.Since(started))
}

// sweepPair 拉取水位线之后的消息，按 ID 升序逐条转发
// 未初始化的组合先补做初始化，不回补历史消息
func (r *Reconciler) sweepPair(ctx context.Context, pair Pair) (int, error) {
	watermarks := r.relayer.Watermarks()
	if !watermarks.Seeded(pair) {
		if err := r.seed(ctx, pair); err != nil {
			return 0, err
		}
		return 0, nil
	}

	lastID := watermarks.Get(pair.DestinationID, pair.SourceID)
	posts, err := r.source.FetchRange(ctx, pair.SourceID, lastID, 0, r.pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch messages after %d: %w", lastID, err)
	}

	handled := 0
	for _, post := range posts {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if _, err := r.relayer.Relay(ctx, post); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

// Sweeps 已完成的扫描次数
func (r *Reconciler) Sweeps() int64 {
	return r.sweeps.Load()
}
