package threads

import (
	"sort"

	"github.com/devcircle/backend/internal/models"
)

// CommentNode is one comment in a materialized thread. Children is never nil.
type CommentNode struct {
	ID          string         `json:"id"`
	PostID      string         `json:"postId"`
	ParentID    *string        `json:"parentId"`
	AuthorID    string         `json:"author"`
	Content     string         `json:"content"`
	CreatedAtMs int64          `json:"createdAt"`
	Deleted     bool           `json:"deleted"`
	Score       int            `json:"score"`
	ViewerVote  int            `json:"viewerVote"`
	Children    []*CommentNode `json:"children"`
}

// buildForest links flat comments into an ordered forest without recursion.
// Siblings are ordered by creation time ascending, then id. Comments whose parent
// is absent become roots, and every input id appears exactly once.
func buildForest(comments []models.Comment, scores, viewerVotes map[string]int) []*CommentNode {
	ordered := make([]models.Comment, len(comments))
	copy(ordered, comments)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAtMs != ordered[j].CreatedAtMs {
			return ordered[i].CreatedAtMs < ordered[j].CreatedAtMs
		}
		return ordered[i].ID < ordered[j].ID
	})

	arena := make([]CommentNode, 0, len(ordered))
	index := make(map[string]int, len(ordered))
	for _, comment := range ordered {
		if _, seen := index[comment.ID]; seen {
			continue
		}
		index[comment.ID] = len(arena)
		node := CommentNode{
			ID:          comment.ID,
			PostID:      comment.PostID,
			ParentID:    comment.ParentID,
			AuthorID:    comment.AuthorID,
			Content:     comment.Content,
			CreatedAtMs: comment.CreatedAtMs,
			Deleted:     comment.IsDeleted,
			Score:       scores[comment.ID],
			ViewerVote:  viewerVotes[comment.ID],
			Children:    []*CommentNode{},
		}
		if comment.IsDeleted {
			node.Content = ""
		}
		arena = append(arena, node)
	}

	buckets := make(map[string][]int, len(arena))
	roots := make([]int, 0)
	for position := range arena {
		parent := arena[position].ParentID
		if parent == nil || *parent == arena[position].ID {
			roots = append(roots, position)
			continue
		}
		if _, ok := index[*parent]; !ok {
			roots = append(roots, position)
			continue
		}
		buckets[*parent] = append(buckets[*parent], position)
	}

	visited := make([]bool, len(arena))
	forest := make([]*CommentNode, 0, len(roots))
	attach := func(root int) {
		visited[root] = true
		forest = append(forest, &arena[root])
		worklist := []int{root}
		for len(worklist) > 0 {
			current := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			for _, child := range buckets[arena[current].ID] {
				if visited[child] {
					continue
				}
				visited[child] = true
				arena[current].Children = append(arena[current].Children, &arena[child])
				worklist = append(worklist, child)
			}
		}
	}

	for _, root := range roots {
		attach(root)
	}
	// Parent cycles are unreachable from any root; surface them rather than drop them.
	for position := range arena {
		if !visited[position] {
			attach(position)
		}
	}
	return forest
}
