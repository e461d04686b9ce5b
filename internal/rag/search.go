package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/LiuHaoUltra/echogram/internal/store"
)

// ErrQueryTooShort marks queries with too little signal to embed.
var ErrQueryTooShort = errors.New("query too short")

// minQueryRunes gates trivially short queries before spending an
// embedding call.
const minQueryRunes = 3

// clusterSeparator joins rendered clusters; it marks a jump between
// unrelated parts of the history.
const clusterSeparator = "--- (unrelated context skipped) ---"

// DefaultTopK is the anchor count used when the caller passes topK <= 0.
const DefaultTopK = 5

// cluster is a merged set of neighborhoods: the union of message ids plus
// the distance of each anchor inside it.
type cluster struct {
	ids     map[int64]struct{}
	anchors map[int64]float64
	minID   int64
	best    float64 // smallest anchor distance, orders clusters in output
}

// Search retrieves older exchanges relevant to query and renders them as
// one supplementary context block. excludeIDs removes anchors the caller
// already has in view (self-reference avoidance). An empty match set
// returns ("", nil), never an error.
func (s *Service) Search(ctx context.Context, chatID int64, query string, excludeIDs []int64, topK, padding int) (string, error) {
	if s.embedder == nil {
		return "", nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if padding < 0 {
		padding = 0
	}

	sanitized := Sanitize(query)
	if utf8.RuneCountInString(sanitized) < minQueryRunes {
		return "", ErrQueryTooShort
	}

	vectors, err := s.embedder.Embed(ctx, []string{sanitized})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vectors) == 0 {
		return "", fmt.Errorf("%w: no vector returned", ErrEmbeddingUnavailable)
	}
	queryVec, err := fitDimension(vectors[0], s.cfg.EmbeddingDim(ctx))
	if err != nil {
		return "", err
	}

	hits, err := s.store.SearchVectors(ctx, chatID, queryVec,
		s.cfg.RAGDistanceThreshold(ctx), topK, excludeIDs)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return "", nil
	}

	clusters, err := s.expandAndMerge(ctx, chatID, hits, padding)
	if err != nil {
		return "", err
	}
	return s.render(ctx, clusters)
}

// expandAndMerge grows each anchor into its local neighborhood by log
// order (ids are not contiguous per chat, so neighbors come from ordered
// queries, not id arithmetic), then greedily unions neighborhoods that
// share any message id so adjacent anchors surface as one exchange.
func (s *Service) expandAndMerge(ctx context.Context, chatID int64, hits []store.ScoredAnchor, padding int) ([]*cluster, error) {
	var clusters []*cluster

	for _, hit := range hits {
		ids := map[int64]struct{}{hit.MessageID: {}}
		if padding > 0 {
			before, err := s.store.MessagesBefore(ctx, chatID, hit.MessageID, padding)
			if err != nil {
				return nil, err
			}
			after, err := s.store.MessagesAfter(ctx, chatID, hit.MessageID, padding)
			if err != nil {
				return nil, err
			}
			for _, m := range before {
				ids[m.ID] = struct{}{}
			}
			for _, m := range after {
				ids[m.ID] = struct{}{}
			}
		}
		clusters = append(clusters, &cluster{
			ids:     ids,
			anchors: map[int64]float64{hit.MessageID: hit.Distance},
			best:    hit.Distance,
		})
	}

	// Union until no two clusters intersect.
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(clusters) && !merged; i++ {
			for j := i + 1; j < len(clusters); j++ {
				if intersects(clusters[i].ids, clusters[j].ids) {
					absorb(clusters[i], clusters[j])
					clusters = append(clusters[:j], clusters[j+1:]...)
					merged = true
					break
				}
			}
		}
	}

	for _, c := range clusters {
		c.minID = minKey(c.ids)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].best != clusters[j].best {
			return clusters[i].best < clusters[j].best
		}
		return clusters[i].minID < clusters[j].minID
	})
	return clusters, nil
}

func (s *Service) render(ctx context.Context, clusters []*cluster) (string, error) {
	var all []int64
	for _, c := range clusters {
		for id := range c.ids {
			all = append(all, id)
		}
	}
	msgs, err := s.store.MessagesByID(ctx, all)
	if err != nil {
		return "", fmt.Errorf("fetch cluster content: %w", err)
	}
	byID := make(map[int64]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var blocks []string
	for _, c := range clusters {
		ids := make([]int64, 0, len(c.ids))
		for id := range c.ids {
			if _, ok := byID[id]; ok {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) == 0 {
			continue
		}

		var b strings.Builder
		for _, id := range ids {
			m := byID[id]
			fmt.Fprintf(&b, "[%s] %s: %s",
				m.CreatedAt.UTC().Format("2006-01-02"), roleLabel(m.Role), Sanitize(m.Content))
			if d, isAnchor := c.anchors[id]; isAnchor {
				fmt.Fprintf(&b, "  «match, distance=%.2f»", d)
			}
			b.WriteByte('\n')
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}
	if len(blocks) == 0 {
		return "", nil
	}
	return strings.Join(blocks, "\n"+clusterSeparator+"\n"), nil
}

func roleLabel(r store.Role) string {
	switch r {
	case store.RoleUser:
		return "User"
	case store.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

func intersects(a, b map[int64]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}

func absorb(dst, src *cluster) {
	for id := range src.ids {
		dst.ids[id] = struct{}{}
	}
	for id, d := range src.anchors {
		dst.anchors[id] = d
	}
	if src.best < dst.best {
		dst.best = src.best
	}
}

func minKey(ids map[int64]struct{}) int64 {
	var m int64 = -1
	for id := range ids {
		if m < 0 || id < m {
			m = id
		}
	}
	return m
}
