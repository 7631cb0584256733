// Package compare provides the default pairwise oracle used when rebuilding
// comparison caches: hard rules first, name similarity otherwise.
package compare

import (
	"context"
	"fmt"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/matrix"
	"github.com/hurttlocker/bibauthor/internal/namesim"
)

// MentionSource resolves a bibref to the mention extraction reported for it.
type MentionSource interface {
	Mention(ctx context.Context, ref bibref.BibRef) (bibref.Mention, error)
}

// NameOracle scores two mentions.
//
//   - same document: forced different (nobody signs one paper twice)
//   - a shared external id: forced same
//   - external ids on both sides, none shared: forced different
//   - otherwise the name similarity score
type NameOracle struct {
	source MentionSource
	memo   *namesim.Memo
}

// NewNameOracle returns an oracle reading mentions from source. memo may be nil.
func NewNameOracle(source MentionSource, memo *namesim.Memo) *NameOracle {
	return &NameOracle{source: source, memo: memo}
}

// Compare implements compcache.Oracle.
func (o *NameOracle) Compare(ctx context.Context, a, b bibref.BibRef) (matrix.Cell, error) {
	if a.Doc == b.Doc {
		return matrix.Forced(false), nil
	}

	ma, err := o.source.Mention(ctx, a)
	if err != nil {
		return matrix.Cell{}, fmt.Errorf("loading mention %s: %w", a, err)
	}
	mb, err := o.source.Mention(ctx, b)
	if err != nil {
		return matrix.Cell{}, fmt.Errorf("loading mention %s: %w", b, err)
	}

	if len(ma.ExternalIDs) > 0 && len(mb.ExternalIDs) > 0 {
		ids := make(map[string]struct{}, len(ma.ExternalIDs))
		for _, id := range ma.ExternalIDs {
			ids[id] = struct{}{}
		}
		for _, id := range mb.ExternalIDs {
			if _, ok := ids[id]; ok {
				return matrix.Forced(true), nil
			}
		}
		return matrix.Forced(false), nil
	}

	return matrix.Score(o.memo.Similarity(ma.Name, mb.Name)), nil
}
