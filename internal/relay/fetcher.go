package relay

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// DownloadSettleDelay 每次下载后等待文件落盘的时间
const DownloadSettleDelay = 3 * time.Second

var errEmptyDownload = errors.New("file empty or missing")

var knownExtensions = map[string]string{
	"image/jpeg":              "jpg",
	"image/png":               "png",
	"image/gif":               "gif",
	"image/webp":              "webp",
	"video/mp4":               "mp4",
	"video/webm":              "webm",
	"video/quicktime":         "mov",
	"audio/mpeg":              "mp3",
	"audio/ogg":               "ogg",
	"audio/mp4":               "m4a",
	"application/pdf":         "pdf",
	"application/zip":         "zip",
	"application/x-tgsticker": "tgs",
}

// ScopedMediaFile 一次转发操作独占的临时文件，Close 后删除
type ScopedMediaFile struct {
	Path string
	Kind MediaKind

	once sync.Once
	err  error
}

// Close 删除临时文件，可重复调用
func (f *ScopedMediaFile) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("failed to delete temp file %s: %w", f.Path, err)
			return
		}
		logger.L().Debugf("Deleted temp file: %s", f.Path)
	})
	return f.err
}

// closeAll 删除全部临时文件，合并错误
func closeAll(files []*ScopedMediaFile) error {
	var err error
	for _, f := range files {
		err = multierr.Append(err, f.Close())
	}
	return err
}

// Downloader 把源消息的媒体写入本地路径
type Downloader interface {
	Download(ctx context.Context, post *Post, path string) error
}

// MediaFetcher 带重试的媒体下载
type MediaFetcher struct {
	source  Downloader
	dir     string
	settle  time.Duration
	policy  RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
}

// FetcherOption 下载器可选配置
type FetcherOption func(*MediaFetcher)

// WithSettleDelay 覆盖下载后的等待时间
func WithSettleDelay(d time.Duration) FetcherOption {
	return func(f *MediaFetcher) { f.settle = d }
}

// WithFetchPolicy 覆盖重试策略
func WithFetchPolicy(policy RetryPolicy) FetcherOption {
	return func(f *MediaFetcher) { f.policy = policy }
}

// WithFetchMetrics 设置指标
func WithFetchMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *MediaFetcher) { f.metrics = m }
}

// NewMediaFetcher 创建下载器，dir 为空时使用系统临时目录
func NewMediaFetcher(source Downloader, dir string, opts ...FetcherOption) *MediaFetcher {
	if dir == "" {
		dir = os.TempDir()
	}

	f := &MediaFetcher{
		source: source,
		dir:    dir,
		settle: DownloadSettleDelay,
		policy: RetryPolicy{
			MaxAttempts: DownloadMaxAttempts,
			Backoff:     CappedExponential(MaxRetryBackoff),
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 下载媒体到临时文件
// 成功要求文件存在且非空；用尽重试返回 ErrMediaUnavailable，调用方跳过该条目
func (f *MediaFetcher) Fetch(ctx context.Context, post *Post) (*ScopedMediaFile, error) {
	kind := Classify(post.Media)
	path := filepath.Join(f.dir, fmt.Sprintf("%s_%s.%s", kind, uuid.NewString(), fileExtension(post.Media, kind)))

	policy := f.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.L().Errorf("Download attempt %d failed: source=%d, message_id=%d, err=%v, retry_in=%s",
			attempt, post.SourceID, post.ID, err, wait)
	}

	attempts := 0
	_, err := Retry(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		attempts = attempt
		if err := f.source.Download(ctx, post, path); err != nil {
			return struct{}{}, err
		}
		if err := f.sleep(ctx, f.settle); err != nil {
			return struct{}{}, err
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return struct{}{}, errEmptyDownload
		}
		return struct{}{}, nil
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.L().Errorf("Failed to delete temp file %s: %v", path, rmErr)
		}
		f.metrics.DownloadFailed()
		return nil, fmt.Errorf("%w: source=%d message_id=%d attempts=%d: %v",
			ErrMediaUnavailable, post.SourceID, post.ID, attempts, err)
	}

	logger.L().Infof("Media downloaded to %s after %d attempts", path, attempts)
	return &ScopedMediaFile{Path: path, Kind: kind}, nil
}

// fileExtension 按 MIME 类型推断扩展名，未知时为 bin
func fileExtension(m *Media, kind MediaKind) string {
	if kind == KindVoice {
		return "ogg"
	}
	if m == nil {
		return "bin"
	}
	if m.Photo {
		return "jpg"
	}

	mimeType := strings.ToLower(strings.TrimSpace(m.MimeType))
	if ext, ok := knownExtensions[mimeType]; ok {
		return ext
	}
	if ext := strings.TrimPrefix(filepath.Ext(m.FileName), "."); ext != "" {
		return ext
	}
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	if kind == KindVideo {
		return "mp4"
	}
	return "bin"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
