package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relay_bot/internal/logger"
	"relay_bot/internal/relay"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// StartupNotice 启动时发往每个目标频道的通知（已转义）
const StartupNotice = `Bot started\. Monitoring target channels\.`

// Config Bot API 配置
type Config struct {
	Token string // Bot Token
	Debug bool   // 是否开启调试模式

	// ServerURL 覆盖 Bot API 地址（测试用）
	ServerURL string
}

// mediaSender 按媒体类型调用对应的 Bot API 方法
type mediaSender func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error

// Publisher 通过 Bot API 向目标频道发送内容，所有文本使用 MarkdownV2
type Publisher struct {
	bot     *bot.Bot
	senders map[relay.MediaKind]mediaSender

	mu       sync.RWMutex
	migrated map[int64]int64
}

// NewPublisher 创建发布器
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}

	opts := []bot.Option{}
	if cfg.Debug {
		opts = append(opts, bot.WithDebug())
	}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.L().Info("Telegram publisher initialized successfully")
	return &Publisher{
		bot:      b,
		senders:  defaultSenders(),
		migrated: make(map[int64]int64),
	}, nil
}

// SendText 发送 MarkdownV2 文本
func (p *Publisher) SendText(ctx context.Context, destinationID int64, text string) error {
	chatID := p.chatID(destinationID)
	_, err := p.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: botModels.ParseModeMarkdown,
	})
	return p.checkMigration(destinationID, err)
}

// SendMedia 上传本地文件并按类型发送
func (p *Publisher) SendMedia(ctx context.Context, destinationID int64, item relay.MediaItem) error {
	send, ok := p.senders[item.Kind]
	if !ok {
		return fmt.Errorf("%w: unsupported media kind %q", relay.ErrPayloadUnusable, item.Kind)
	}

	f, err := openUpload(item.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	upload := &botModels.InputFileUpload{Filename: uploadName(item), Data: f}
	return p.checkMigration(destinationID, send(ctx, p.bot, p.chatID(destinationID), item, upload))
}

// SendMediaGroup 以相册形式发送，文件通过 attach:// 上传
func (p *Publisher) SendMediaGroup(ctx context.Context, destinationID int64, items []relay.MediaItem) error {
	media := make([]botModels.InputMedia, 0, len(items))
	files := make([]*os.File, 0, len(items))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	for i, item := range items {
		f, err := openUpload(item.Path)
		if err != nil {
			return err
		}
		files = append(files, f)

		attach := fmt.Sprintf("attach://file%d%s", i, filepath.Ext(item.Path))
		media = append(media, albumMedia(item, attach, f))
	}

	_, err := p.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: p.chatID(destinationID),
		Media:  media,
	})
	return p.checkMigration(destinationID, err)
}

// chatID 目标频道若已迁移，返回新的 chat id
func (p *Publisher) chatID(destinationID int64) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if migrated, ok := p.migrated[destinationID]; ok {
		return migrated
	}
	return destinationID
}

// checkMigration 记录迁移后的 chat id，原错误照常返回以便重试
func (p *Publisher) checkMigration(destinationID int64, err error) error {
	if newID, ok := migrateToChatIDFromError(err); ok {
		p.mu.Lock()
		p.migrated[destinationID] = newID
		p.mu.Unlock()
		logger.L().Warnf("Destination %d migrated to %d", destinationID, newID)
	}
	return err
}

func openUpload(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrPayloadUnusable, err)
	}
	return f, nil
}

func uploadName(item relay.MediaItem) string {
	if item.FileName != "" {
		return item.FileName
	}
	return filepath.Base(item.Path)
}

// albumMedia 相册成员只能是 photo/video/audio/document
func albumMedia(item relay.MediaItem, attach string, data *os.File) botModels.InputMedia {
	switch item.Kind {
	case relay.KindPhoto:
		return &botModels.InputMediaPhoto{
			Media:           attach,
			Caption:         item.Caption,
			ParseMode:       botModels.ParseModeMarkdown,
			MediaAttachment: data,
		}
	case relay.KindVideo:
		return &botModels.InputMediaVideo{
			Media:             attach,
			Caption:           item.Caption,
			ParseMode:         botModels.ParseModeMarkdown,
			SupportsStreaming: true,
			MediaAttachment:   data,
		}
	case relay.KindAudio:
		return &botModels.InputMediaAudio{
			Media:           attach,
			Caption:         item.Caption,
			ParseMode:       botModels.ParseModeMarkdown,
			Title:           item.Title,
			MediaAttachment: data,
		}
	default:
		return &botModels.InputMediaDocument{
			Media:           attach,
			Caption:         item.Caption,
			ParseMode:       botModels.ParseModeMarkdown,
			MediaAttachment: data,
		}
	}
}

// defaultSenders 媒体类型到 Bot API 方法的映射
func defaultSenders() map[relay.MediaKind]mediaSender {
	return map[relay.MediaKind]mediaSender{
		relay.KindPhoto: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendPhoto(ctx, &bot.SendPhotoParams{
				ChatID:    chatID,
				Photo:     file,
				Caption:   item.Caption,
				ParseMode: botModels.ParseModeMarkdown,
			})
			return err
		},
		relay.KindVideo: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendVideo(ctx, &bot.SendVideoParams{
				ChatID:            chatID,
				Video:             file,
				Caption:           item.Caption,
				ParseMode:         botModels.ParseModeMarkdown,
				SupportsStreaming: true,
			})
			return err
		},
		relay.KindVoice: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendVoice(ctx, &bot.SendVoiceParams{
				ChatID:    chatID,
				Voice:     file,
				Caption:   item.Caption,
				ParseMode: botModels.ParseModeMarkdown,
			})
			return err
		},
		relay.KindAudio: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendAudio(ctx, &bot.SendAudioParams{
				ChatID:    chatID,
				Audio:     file,
				Caption:   item.Caption,
				ParseMode: botModels.ParseModeMarkdown,
				Title:     item.Title,
			})
			return err
		},
		relay.KindSticker: func(ctx context.Context, b *bot.Bot, chatID int64, _ relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendSticker(ctx, &bot.SendStickerParams{
				ChatID:  chatID,
				Sticker: file,
			})
			return err
		},
		relay.KindAnimation: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendAnimation(ctx, &bot.SendAnimationParams{
				ChatID:    chatID,
				Animation: file,
				Caption:   item.Caption,
				ParseMode: botModels.ParseModeMarkdown,
			})
			return err
		},
		relay.KindDocument: func(ctx context.Context, b *bot.Bot, chatID int64, item relay.MediaItem, file botModels.InputFile) error {
			_, err := b.SendDocument(ctx, &bot.SendDocumentParams{
				ChatID:    chatID,
				Document:  file,
				Caption:   item.Caption,
				ParseMode: botModels.ParseModeMarkdown,
			})
			return err
		},
	}
}
