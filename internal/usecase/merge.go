package usecase

import (
	"slices"
	"strings"
	"unicode/utf8"

	"chat-orchestrator/internal/domain"
)

// mergeFragments ranks vector and web fragments together by score, breaking
// ties by source priority and then arrival order, and keeps fragments until
// budget characters of text are used. The fragment that crosses the budget is
// cut on a rune boundary.
func mergeFragments(vector, web []domain.ContextFragment, budget int) []domain.ContextFragment {
	type ranked struct {
		domain.ContextFragment
		order int
	}
	all := make([]ranked, 0, len(vector)+len(web))
	for _, group := range [][]domain.ContextFragment{vector, web} {
		for _, f := range group {
			if strings.TrimSpace(f.Text) == "" {
				continue
			}
			f.Score = domain.ClampScore(f.Score)
			all = append(all, ranked{ContextFragment: f, order: len(all)})
		}
	}

	slices.SortStableFunc(all, func(a, b ranked) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if d := a.Source.Priority() - b.Source.Priority(); d != 0 {
			return d
		}
		return a.order - b.order
	})

	out := make([]domain.ContextFragment, 0, len(all))
	remaining := budget
	for _, r := range all {
		if remaining <= 0 {
			break
		}
		f := r.ContextFragment
		if n := utf8.RuneCountInString(f.Text); n > remaining {
			f.Text = truncateRunes(f.Text, remaining)
			remaining = 0
		} else {
			remaining -= n
		}
		out = append(out, f)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func fragmentRefs(fragments []domain.ContextFragment) []domain.FragmentRef {
	refs := make([]domain.FragmentRef, 0, len(fragments))
	for _, f := range fragments {
		refs = append(refs, f.Ref())
	}
	return refs
}
