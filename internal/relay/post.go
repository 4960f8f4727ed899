package relay

import "strings"

// Post 待转发的源频道消息
// 每个入站事件创建一个，转发结束后不再保留
type Post struct {
	ID       int    // 源频道消息 ID
	SourceID int64  // 源频道 ID（-100 前缀格式）
	Text     string // 原始文本（链接实体已渲染为 [label](url)）
	Media    *Media // 媒体描述，纯文本消息为 nil
	GroupID  int64  // 媒体组 ID，非媒体组为 0
}

// IsGrouped 是否属于媒体组
func (p *Post) IsGrouped() bool {
	return p != nil && p.GroupID != 0
}

// Media 源消息携带的媒体描述
type Media struct {
	Photo      bool   // 原生照片
	MimeType   string // 文档 MIME 类型
	Voice      bool   // 语音消息
	Video      bool   // 带视频属性的文档
	Sticker    bool   // 贴纸
	Animated   bool   // 带动图属性的文档
	AudioTitle string // 音频标题
	FileName   string // 原始文件名
	WebPageURL string // 网页预览链接（不下载）

	// Ref 源平台的文件定位信息，由 Source 实现自行解释
	Ref any
}

// IsWebPage 是否为网页预览
func (m *Media) IsWebPage() bool {
	return m != nil && m.WebPageURL != ""
}

// MediaKind 投递媒体类型
type MediaKind string

const (
	KindText      MediaKind = "text"
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindVoice     MediaKind = "voice"
	KindDocument  MediaKind = "document"
	KindAudio     MediaKind = "audio"
	KindSticker   MediaKind = "sticker"
	KindAnimation MediaKind = "animation"
)

// SupportsCaption 该类型是否允许携带说明文字
func (k MediaKind) SupportsCaption() bool {
	return k != KindSticker
}

// Classify 判定媒体的投递类型
// 优先级：语音 → 音频 → 贴纸 → 动图 → 图片 → 视频 → 文档
func Classify(m *Media) MediaKind {
	if m == nil || m.IsWebPage() {
		return KindText
	}

	mime := strings.ToLower(strings.TrimSpace(m.MimeType))

	switch {
	case m.Voice:
		return KindVoice
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case m.Sticker:
		return KindSticker
	case mime == "image/gif" || m.Animated:
		return KindAnimation
	case m.Photo || strings.HasPrefix(mime, "image/"):
		return KindPhoto
	case m.Video || strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// albumKind 媒体组内只允许 photo/video/audio/document
func albumKind(kind MediaKind) MediaKind {
	switch kind {
	case KindPhoto, KindVideo, KindAudio, KindDocument:
		return kind
	default:
		return KindDocument
	}
}

// MediaItem 一个待投递的媒体项
type MediaItem struct {
	Kind     MediaKind
	Path     string // 本地临时文件
	Caption  string // MarkdownV2 文本，可为空
	Title    string // 音频标题
	FileName string
}
