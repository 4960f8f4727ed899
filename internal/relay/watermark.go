package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relay_bot/internal/logger"
	"relay_bot/internal/relay/repository"

	"golang.org/x/sync/semaphore"
)

type watermarkCell struct {
	value  atomic.Int64
	seeded atomic.Bool
}

// advance 单调推进，返回是否真正推进
func (c *watermarkCell) advance(id int64) bool {
	for {
		current := c.value.Load()
		if id <= current {
			return false
		}
		if c.value.CompareAndSwap(current, id) {
			return true
		}
	}
}

// WatermarkStore 每个 (目标, 源) 已处理的最大消息 ID
// 键集合在启动时确定，之后不再增删；每个键独立原子更新
type WatermarkStore struct {
	cells map[Pair]*watermarkCell
	repo  repository.WatermarkRepository
}

// NewWatermarkStore 为全部组合创建水位线，repo 为 nil 时仅保存在内存
func NewWatermarkStore(pairs []Pair, repo repository.WatermarkRepository) *WatermarkStore {
	cells := make(map[Pair]*watermarkCell, len(pairs))
	for _, pair := range pairs {
		cells[pair] = &watermarkCell{}
	}
	return &WatermarkStore{cells: cells, repo: repo}
}

// Get 当前水位线，未知组合返回 0
func (s *WatermarkStore) Get(destinationID, sourceID int64) int {
	cell, ok := s.cells[Pair{DestinationID: destinationID, SourceID: sourceID}]
	if !ok {
		return 0
	}
	return int(cell.value.Load())
}

// IsNew 消息 ID 是否大于当前水位线
func (s *WatermarkStore) IsNew(destinationID, sourceID int64, messageID int) bool {
	cell, ok := s.cells[Pair{DestinationID: destinationID, SourceID: sourceID}]
	if !ok {
		return false
	}
	return int64(messageID) > cell.value.Load()
}

// Advance 推进水位线（只增不减），持久化失败只记录日志
func (s *WatermarkStore) Advance(ctx context.Context, destinationID, sourceID int64, messageID int) bool {
	cell, ok := s.cells[Pair{DestinationID: destinationID, SourceID: sourceID}]
	if !ok {
		logger.L().Warnf("Watermark advance for unknown pair: destination=%d, source=%d", destinationID, sourceID)
		return false
	}

	if !cell.advance(int64(messageID)) {
		return false
	}

	if s.repo != nil {
		if err := s.repo.Advance(ctx, destinationID, sourceID, messageID); err != nil {
			logger.L().Errorf("Failed to persist watermark: destination=%d, source=%d, message_id=%d, err=%v",
				destinationID, sourceID, messageID, err)
		}
	}
	return true
}

// Seed 初始化水位线：优先使用持久化的值，否则取源频道最新消息 ID
func (s *WatermarkStore) Seed(ctx context.Context, pair Pair, latest func(ctx context.Context) (int, error)) error {
	cell, ok := s.cells[pair]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, pair.SourceID)
	}

	if s.repo != nil {
		persisted, found, err := s.repo.Get(ctx, pair.DestinationID, pair.SourceID)
		if err != nil {
			logger.L().Warnf("Failed to load persisted watermark: destination=%d, source=%d, err=%v",
				pair.DestinationID, pair.SourceID, err)
		} else if found {
			cell.advance(int64(persisted))
			cell.seeded.Store(true)
			logger.L().Infof("Watermark restored: destination=%d, source=%d, message_id=%d",
				pair.DestinationID, pair.SourceID, persisted)
			return nil
		}
	}

	latestID, err := latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve latest message of %d: %w", pair.SourceID, err)
	}

	if latestID > 0 {
		s.Advance(ctx, pair.DestinationID, pair.SourceID, latestID)
		logger.L().Infof("Watermark initialized: destination=%d, source=%d, message_id=%d",
			pair.DestinationID, pair.SourceID, latestID)
	} else {
		logger.L().Warnf("No messages in %d, starting from 0", pair.SourceID)
	}
	cell.seeded.Store(true)
	return nil
}

// Seeded 该组合是否已完成初始化
func (s *WatermarkStore) Seeded(pair Pair) bool {
	cell, ok := s.cells[pair]
	return ok && cell.seeded.Load()
}

// ChannelSerializer 每个源频道一把锁，保证同一源频道串行处理
type ChannelSerializer struct {
	locks map[int64]*semaphore.Weighted
}

// NewChannelSerializer 启动时按源频道创建锁，运行期不再增加
func NewChannelSerializer(sourceIDs []int64) *ChannelSerializer {
	locks := make(map[int64]*semaphore.Weighted, len(sourceIDs))
	for _, id := range sourceIDs {
		locks[id] = semaphore.NewWeighted(1)
	}
	return &ChannelSerializer{locks: locks}
}

// WithLock 持有源频道锁执行 fn，任何退出路径都会释放锁
func (s *ChannelSerializer) WithLock(ctx context.Context, sourceID int64, fn func() error) error {
	lock, ok := s.locks[sourceID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, sourceID)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire lock for %d: %w", sourceID, err)
	}
	if err := lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire lock for %d: %w", sourceID, err)
	}
	defer lock.Release(1)

	return fn()
}

// ProcessedGroupSet 本次运行已转发的媒体组（仅内存）
type ProcessedGroupSet struct {
	mu     sync.Mutex
	groups map[int64]map[int64]struct{}
}

// NewProcessedGroupSet 创建空集合
func NewProcessedGroupSet() *ProcessedGroupSet {
	return &ProcessedGroupSet{groups: make(map[int64]map[int64]struct{})}
}

// Contains 目标频道是否已转发过该媒体组
func (p *ProcessedGroupSet) Contains(destinationID, groupID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.groups[destinationID][groupID]
	return ok
}

// Add 记录媒体组已转发
func (p *ProcessedGroupSet) Add(destinationID, groupID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.groups[destinationID]
	if !ok {
		set = make(map[int64]struct{})
		p.groups[destinationID] = set
	}
	set[groupID] = struct{}{}
}
