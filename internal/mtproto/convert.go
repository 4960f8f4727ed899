package mtproto

import (
	"sort"
	"strings"
	"unicode/utf16"

	"relay_bot/internal/relay"

	"github.com/gotd/td/tg"
)

// channelIDOffset Bot API 频道 ID = -(1e12 + MTProto 频道 ID)
const channelIDOffset = 1000000000000

// BotChannelID MTProto 频道 ID 转为 -100 前缀格式
func BotChannelID(channelID int64) int64 {
	return -(channelIDOffset + channelID)
}

// RawChannelID -100 前缀格式转为 MTProto 频道 ID，非频道格式返回 false
func RawChannelID(botID int64) (int64, bool) {
	raw := -botID - channelIDOffset
	if raw <= 0 {
		return 0, false
	}
	return raw, true
}

// convertMessage 源频道消息转为 relay.Post
func convertMessage(sourceID int64, msg *tg.Message) *relay.Post {
	post := &relay.Post{
		ID:       msg.ID,
		SourceID: sourceID,
		Text:     renderTextLinks(msg.Message, msg.Entities),
	}
	if groupID, ok := msg.GetGroupedID(); ok {
		post.GroupID = groupID
	}
	if media, ok := msg.GetMedia(); ok {
		post.Media = describeMedia(media)
	}
	return post
}

// messagePeerChannel 消息所属的频道 ID，非频道消息返回 false
func messagePeerChannel(msg *tg.Message) (int64, bool) {
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return 0, false
	}
	return peer.ChannelID, true
}

// renderTextLinks 把文字链接实体渲染为 [label](url)
// 实体偏移以 UTF-16 码元计
func renderTextLinks(text string, entities []tg.MessageEntityClass) string {
	links := make([]*tg.MessageEntityTextURL, 0, len(entities))
	for _, entity := range entities {
		if link, ok := entity.(*tg.MessageEntityTextURL); ok {
			links = append(links, link)
		}
	}
	if len(links) == 0 {
		return text
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].Offset < links[j].Offset })

	units := utf16.Encode([]rune(text))
	var b strings.Builder
	cursor := 0
	for _, link := range links {
		start, end := link.Offset, link.Offset+link.Length
		// 重叠或越界的实体按原文输出
		if start < cursor || end > len(units) || link.Length <= 0 {
			continue
		}
		b.WriteString(string(utf16.Decode(units[cursor:start])))
		b.WriteString("[")
		b.WriteString(string(utf16.Decode(units[start:end])))
		b.WriteString("](")
		b.WriteString(link.URL)
		b.WriteString(")")
		cursor = end
	}
	b.WriteString(string(utf16.Decode(units[cursor:])))
	return b.String()
}

// describeMedia 提取分类和下载需要的媒体信息
// 不支持的媒体（位置、投票等）返回 nil，消息按纯文本处理
func describeMedia(media tg.MessageMediaClass) *relay.Media {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		photo, ok := p.(*tg.Photo)
		if !ok {
			return nil
		}
		largest := largestPhotoSize(photo.Sizes)
		if largest == nil {
			return nil
		}
		return &relay.Media{
			Photo:    true,
			MimeType: "image/jpeg",
			Ref: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     largest.GetType(),
			},
		}

	case *tg.MessageMediaDocument:
		d, ok := m.GetDocument()
		if !ok {
			return nil
		}
		doc, ok := d.(*tg.Document)
		if !ok {
			return nil
		}
		out := &relay.Media{
			MimeType: doc.MimeType,
			Ref: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeAudio:
				out.Voice = a.Voice
				if title, ok := a.GetTitle(); ok {
					out.AudioTitle = title
				}
			case *tg.DocumentAttributeVideo:
				out.Video = true
			case *tg.DocumentAttributeSticker:
				out.Sticker = true
			case *tg.DocumentAttributeAnimated:
				out.Animated = true
			case *tg.DocumentAttributeFilename:
				out.FileName = a.FileName
			}
		}
		return out

	case *tg.MessageMediaWebPage:
		page, ok := m.Webpage.(*tg.WebPage)
		if !ok || page.URL == "" {
			return nil
		}
		return &relay.Media{WebPageURL: page.URL}
	}
	return nil
}

// largestPhotoSize 选出字节数最大的尺寸
func largestPhotoSize(sizes []tg.PhotoSizeClass) tg.PhotoSizeClass {
	var (
		largest tg.PhotoSizeClass
		maxSize int
	)
	for _, s := range sizes {
		var current int
		switch size := s.(type) {
		case *tg.PhotoSize:
			current = size.Size
		case *tg.PhotoCachedSize:
			current = len(size.Bytes)
		case *tg.PhotoSizeProgressive:
			for _, step := range size.Sizes {
				current = max(current, step)
			}
		}
		if current > maxSize {
			maxSize = current
			largest = s
		}
	}
	return largest
}
