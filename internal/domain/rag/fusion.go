package rag

import "sort"

// DefaultRRFK RRF 平滑常数
const DefaultRRFK = 60

// Fuse Reciprocal Rank Fusion
// score(d) = Σ 1/(k + rank_i(d))，rank 为 d 在第 i 个列表中的 1-based 名次，未出现的列表不计分。
// 排序：分数降序 → 最好名次升序 → source_id 字典序。结果与列表顺序无关。
func Fuse(k int, method Method, lists ...[]Hit) []Candidate {
	if k <= 0 {
		k = DefaultRRFK
	}

	type entry struct {
		hit   Hit
		ranks []int
	}
	entries := make(map[string]*entry)
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for i, h := range list {
			if h.SourceID == "" {
				continue
			}
			// 同一列表内重复只取最好名次
			if _, dup := seen[h.SourceID]; dup {
				continue
			}
			seen[h.SourceID] = struct{}{}

			e, ok := entries[h.SourceID]
			if !ok {
				e = &entry{hit: h}
				entries[h.SourceID] = e
			} else if e.hit.Content == "" {
				e.hit = h
			}
			e.ranks = append(e.ranks, i+1)
		}
	}

	out := make([]Candidate, 0, len(entries))
	for id, e := range entries {
		// 名次升序累加，保证浮点和与列表顺序无关
		sort.Ints(e.ranks)
		var score float64
		for _, r := range e.ranks {
			score += 1.0 / float64(k+r)
		}
		out = append(out, Candidate{
			SourceID: id,
			Content:  e.hit.Content,
			Title:    e.hit.Title,
			Origin:   e.hit.Origin,
			Method:   method,
			Score:    score,
			MinRank:  e.ranks[0],
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].MinRank != out[j].MinRank {
			return out[i].MinRank < out[j].MinRank
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}
