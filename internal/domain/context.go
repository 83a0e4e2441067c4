package domain

// Source tags where a context fragment came from.
type Source string

const (
	SourceVector Source = "vector"
	SourceWeb    Source = "web"
)

// Priority orders sources when relevance scores tie. Lower wins.
func (s Source) Priority() int {
	switch s {
	case SourceVector:
		return 0
	case SourceWeb:
		return 1
	default:
		return 2
	}
}

// ContextFragment is a scored snippet used to ground generation.
type ContextFragment struct {
	Source Source
	Text   string
	Score  float64
	Origin string
}

// Ref returns the provenance reference for f.
func (f ContextFragment) Ref() FragmentRef {
	return FragmentRef{Source: f.Source, Origin: f.Origin, Score: f.Score}
}

// ClampScore bounds a relevance score to [0, 1].
func ClampScore(s float64) float64 {
	switch {
	case s != s, s < 0: // NaN or negative
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
