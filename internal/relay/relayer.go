package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/relay/models"
	"relay_bot/internal/relay/repository"
)

// Outcome 一次转发操作的结果
type Outcome string

const (
	OutcomeDelivered Outcome = models.OutcomeDelivered
	OutcomeDuplicate Outcome = models.OutcomeDuplicate
	OutcomeRejected  Outcome = models.OutcomeRejected
	OutcomeFailed    Outcome = models.OutcomeFailed
	OutcomeIgnored   Outcome = "ignored"
)

// Relayer 转发流水线：加锁 → 去重 → 转换 → (媒体组解析) → 下载 → 投递 → 推进水位线
// 实时事件和补偿扫描都走 Relay，没有其他入口
type Relayer struct {
	router      *Router
	watermarks  *WatermarkStore
	serializer  *ChannelSerializer
	groups      *ProcessedGroupSet
	transformer *Transformer
	resolver    *GroupResolver
	fetcher     *MediaFetcher
	delivery    *DeliveryClient
	records     repository.RelayRecordRepository
	metrics     *metrics.Metrics
}

// RelayerDeps Relayer 依赖
type RelayerDeps struct {
	Router      *Router
	Watermarks  *WatermarkStore
	Serializer  *ChannelSerializer
	Groups      *ProcessedGroupSet
	Transformer *Transformer
	Resolver    *GroupResolver
	Fetcher     *MediaFetcher
	Delivery    *DeliveryClient
	Records     repository.RelayRecordRepository // 可选
	Metrics     *metrics.Metrics                 // 可选
}

// NewRelayer 创建转发流水线
func NewRelayer(deps RelayerDeps) *Relayer {
	groups := deps.Groups
	if groups == nil {
		groups = NewProcessedGroupSet()
	}
	transformer := deps.Transformer
	if transformer == nil {
		transformer = NewTransformer()
	}

	return &Relayer{
		router:      deps.Router,
		watermarks:  deps.Watermarks,
		serializer:  deps.Serializer,
		groups:      groups,
		transformer: transformer,
		resolver:    deps.Resolver,
		fetcher:     deps.Fetcher,
		delivery:    deps.Delivery,
		records:     deps.Records,
		metrics:     deps.Metrics,
	}
}

// Watermarks 返回水位线存储
func (r *Relayer) Watermarks() *WatermarkStore {
	return r.watermarks
}

// Relay 处理一条源消息
// 只有加锁失败（ctx 取消）才返回 error；投递失败记为 OutcomeFailed 并照常推进水位线
func (r *Relayer) Relay(ctx context.Context, post *Post) (Outcome, error) {
	if post == nil {
		return OutcomeIgnored, nil
	}

	route, ok := r.router.Resolve(post.SourceID)
	if !ok {
		logger.L().Debugf("Message from unmapped source %d, skipping", post.SourceID)
		return OutcomeIgnored, nil
	}

	var (
		outcome Outcome
		items   int
		cause   error
	)
	started := time.Now()

	err := r.serializer.WithLock(ctx, post.SourceID, func() error {
		outcome, items, cause = r.relayLocked(ctx, post, route)
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}

	r.metrics.PostHandled(string(outcome), time.Since(started).Seconds())
	r.record(ctx, post, route, outcome, items, cause)
	return outcome, nil
}

// relayLocked 在源频道锁内执行；除重复消息外，所有路径都推进水位线
func (r *Relayer) relayLocked(ctx context.Context, post *Post, route Route) (Outcome, int, error) {
	log := logger.Post(post.SourceID, post.ID)

	if !r.watermarks.IsNew(route.DestinationID, post.SourceID, post.ID) {
		log.Debugf("Message already processed: destination=%d, watermark=%d",
			route.DestinationID, r.watermarks.Get(route.DestinationID, post.SourceID))
		return OutcomeDuplicate, 0, nil
	}
	defer r.watermarks.Advance(ctx, route.DestinationID, post.SourceID, post.ID)

	if post.IsGrouped() {
		if r.groups.Contains(route.DestinationID, post.GroupID) {
			log.Debugf("Media group %d already sent to %d", post.GroupID, route.DestinationID)
			return OutcomeDuplicate, 0, nil
		}
		defer r.groups.Add(route.DestinationID, post.GroupID)
		return r.relayGroup(ctx, post, route)
	}

	return r.relaySingle(ctx, post, route)
}

func (r *Relayer) relaySingle(ctx context.Context, post *Post, route Route) (Outcome, int, error) {
	log := logger.Post(post.SourceID, post.ID)

	text, err := r.transformer.Transform(post.Text, route)
	if errors.Is(err, ErrForbiddenContent) {
		log.Info("Message contains forbidden words, skipping")
		return OutcomeRejected, 0, err
	}

	kind := Classify(post.Media)
	if kind == KindText {
		if post.Media.IsWebPage() {
			text = webPagePreviewLink(text, post.Media.WebPageURL)
		}
		if text == "" {
			log.Debug("Message has neither text nor supported media, skipping")
			return OutcomeIgnored, 0, nil
		}
		if err := r.delivery.SendText(ctx, route.DestinationID, text); err != nil {
			log.Errorf("Failed to send text to %d: %v", route.DestinationID, err)
			return OutcomeFailed, 0, err
		}
		log.Infof("Text message sent to %d", route.DestinationID)
		return OutcomeDelivered, 1, nil
	}

	file, err := r.fetcher.Fetch(ctx, post)
	if err != nil {
		log.Errorf("Skipping %s message: %v", kind, err)
		return OutcomeFailed, 0, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Error(err)
		}
	}()

	item := MediaItem{
		Kind:     kind,
		Path:     file.Path,
		Title:    post.Media.AudioTitle,
		FileName: post.Media.FileName,
	}
	if kind.SupportsCaption() {
		item.Caption = text
	}

	if err := r.delivery.SendMedia(ctx, route.DestinationID, item); err != nil {
		log.Errorf("Failed to send %s to %d: %v", kind, route.DestinationID, err)
		return OutcomeFailed, 0, err
	}
	log.Infof("Sent %s to %d", kind, route.DestinationID)
	return OutcomeDelivered, 1, nil
}

// relayGroup 媒体组：下载失败的成员被丢弃，其余按原顺序一次发送，说明文字只放在第一个成员上
func (r *Relayer) relayGroup(ctx context.Context, post *Post, route Route) (Outcome, int, error) {
	log := logger.Post(post.SourceID, post.ID)

	members, err := r.resolver.Resolve(ctx, post)
	if err != nil {
		log.Errorf("Failed to resolve media group %d: %v", post.GroupID, err)
		return OutcomeFailed, 0, err
	}

	caption, err := r.transformer.Transform(groupCaptionSource(post, members), route)
	if errors.Is(err, ErrForbiddenContent) {
		log.Infof("Media group %d contains forbidden words, skipping", post.GroupID)
		return OutcomeRejected, 0, err
	}

	files := make([]*ScopedMediaFile, 0, len(members))
	defer func() {
		if err := closeAll(files); err != nil {
			log.Error(err)
		}
	}()

	items := make([]MediaItem, 0, len(members))
	for _, member := range members {
		kind := Classify(member.Media)
		if kind == KindText {
			continue
		}

		file, err := r.fetcher.Fetch(ctx, member)
		if err != nil {
			log.Errorf("Dropping member %d of media group %d: %v", member.ID, post.GroupID, err)
			continue
		}
		files = append(files, file)

		item := MediaItem{
			Kind:     albumKind(kind),
			Path:     file.Path,
			Title:    member.Media.AudioTitle,
			FileName: member.Media.FileName,
		}
		if len(items) == 0 {
			item.Caption = caption
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		log.Errorf("Media group %d has no usable members (%d fetched), skipping", post.GroupID, len(members))
		return OutcomeFailed, 0, fmt.Errorf("%w: group %d", ErrGroupEmpty, post.GroupID)
	}

	if err := r.delivery.SendMediaGroup(ctx, route.DestinationID, items); err != nil {
		log.Errorf("Failed to send media group %d to %d: %v", post.GroupID, route.DestinationID, err)
		return OutcomeFailed, 0, err
	}
	log.Infof("Media group %d sent to %d with %d items", post.GroupID, route.DestinationID, len(items))
	return OutcomeDelivered, len(items), nil
}

// record 写入转发记录，重复和忽略的消息不记录
func (r *Relayer) record(ctx context.Context, post *Post, route Route, outcome Outcome, items int, cause error) {
	if r.records == nil || outcome == OutcomeDuplicate || outcome == OutcomeIgnored {
		return
	}

	rec := &models.RelayRecord{
		SourceID:      post.SourceID,
		MessageID:     int64(post.ID),
		DestinationID: route.DestinationID,
		GroupID:       post.GroupID,
		Items:         items,
		Outcome:       string(outcome),
		CreatedAt:     time.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if err := r.records.CreateRecord(ctx, rec); err != nil {
		logger.L().Errorf("Failed to save relay record: source=%d, message_id=%d, err=%v", post.SourceID, post.ID, err)
	}
}
