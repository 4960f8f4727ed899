package relay

import "fmt"

// Route 源频道对应的目标配置
type Route struct {
	DestinationID  int64    // 目标频道 ID
	DisplayName    string   // 目标频道用户名，用于改写 @提及
	ForbiddenWords []string // 违禁词（已合并全局与目标级配置）
}

// Target 一个目标频道及其监控的源频道
type Target struct {
	DestinationID  int64
	DisplayName    string
	Sources        []int64
	ForbiddenWords []string
}

// Pair 一个 (目标, 源) 组合，水位线按此维度记录
type Pair struct {
	DestinationID int64
	SourceID      int64
}

// Router 源频道到目标配置的静态映射
// 启动时构建，之后只读
type Router struct {
	routes  map[int64]Route
	pairs   []Pair
	sources []int64
}

// NewRouter 根据目标配置构建路由
// 同一个源频道映射到多个目标视为配置错误
func NewRouter(targets []Target, globalForbidden []string) (*Router, error) {
	r := &Router{
		routes: make(map[int64]Route),
	}

	for _, target := range targets {
		if target.DestinationID == 0 {
			return nil, fmt.Errorf("target destination id cannot be empty")
		}
		if target.DisplayName == "" {
			return nil, fmt.Errorf("target %d: display name cannot be empty", target.DestinationID)
		}

		words := make([]string, 0, len(globalForbidden)+len(target.ForbiddenWords))
		words = append(words, globalForbidden...)
		words = append(words, target.ForbiddenWords...)

		for _, sourceID := range target.Sources {
			if existing, ok := r.routes[sourceID]; ok {
				return nil, fmt.Errorf("source %d is mapped to both %d and %d", sourceID, existing.DestinationID, target.DestinationID)
			}
			r.routes[sourceID] = Route{
				DestinationID:  target.DestinationID,
				DisplayName:    target.DisplayName,
				ForbiddenWords: words,
			}
			r.pairs = append(r.pairs, Pair{DestinationID: target.DestinationID, SourceID: sourceID})
			r.sources = append(r.sources, sourceID)
		}
	}

	if len(r.routes) == 0 {
		return nil, fmt.Errorf("no source channels configured")
	}

	return r, nil
}

// Resolve 查找源频道的目标配置
func (r *Router) Resolve(sourceID int64) (Route, bool) {
	route, ok := r.routes[sourceID]
	return route, ok
}

// Pairs 返回全部 (目标, 源) 组合，保持配置顺序
func (r *Router) Pairs() []Pair {
	return append([]Pair(nil), r.pairs...)
}

// Sources 返回全部源频道 ID
func (r *Router) Sources() []int64 {
	return append([]int64(nil), r.sources...)
}

// Destinations 返回去重后的目标频道 ID
func (r *Router) Destinations() []int64 {
	seen := make(map[int64]struct{})
	result := make([]int64, 0)
	for _, pair := range r.pairs {
		if _, ok := seen[pair.DestinationID]; ok {
			continue
		}
		seen[pair.DestinationID] = struct{}{}
		result = append(result, pair.DestinationID)
	}
	return result
}
