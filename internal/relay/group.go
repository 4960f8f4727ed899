package relay

import (
	"context"
	"fmt"
	"sort"
)

// GroupWindow 媒体组成员查找的 ID 半径
const GroupWindow = 10

// GroupResolver 根据媒体组中的一条消息找回全部成员
type GroupResolver struct {
	source Source
	window int
}

// NewGroupResolver 创建媒体组解析器
func NewGroupResolver(source Source) *GroupResolver {
	return &GroupResolver{source: source, window: GroupWindow}
}

// Resolve 拉取 [id-window, id+window] 内同一媒体组的消息，按 ID 升序
// 拉取结果中缺少触发消息时补上触发消息本身
func (r *GroupResolver) Resolve(ctx context.Context, post *Post) ([]*Post, error) {
	if !post.IsGrouped() {
		return []*Post{post}, nil
	}

	minID := post.ID - r.window - 1
	if minID < 0 {
		minID = 0
	}
	neighbours, err := r.source.FetchRange(ctx, post.SourceID, minID, post.ID+r.window+1, 2*r.window+1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group %d around %d: %w", post.GroupID, post.ID, err)
	}

	members := make([]*Post, 0, len(neighbours))
	seenTrigger := false
	for _, p := range neighbours {
		if p == nil || p.GroupID != post.GroupID {
			continue
		}
		if p.ID == post.ID {
			seenTrigger = true
		}
		members = append(members, p)
	}
	if !seenTrigger {
		members = append(members, post)
	}

	sort.SliceStable(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// groupCaptionSource 说明文字来源：触发消息有文本时用它，否则取第一个有文本的成员
func groupCaptionSource(trigger *Post, members []*Post) string {
	if trigger.Text != "" {
		return trigger.Text
	}
	for _, m := range members {
		if m.Text != "" {
			return m.Text
		}
	}
	return ""
}
