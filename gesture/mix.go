// Package gesture turns ambiguous touch input into embeddings the model
// can consume in place of discrete tokens.
package gesture

import (
	"cmp"
	"log/slog"
	"math"
	"slices"

	"github.com/ollama/xlm/model"
)

const (
	// NumTokenMix is the number of letter candidates kept per touch
	NumTokenMix = 4

	// NoiseFloor is the key probability below which a key is ignored
	NoiseFloor = 0.05

	// Epsilon is the tolerance for comparing coordinates and weights
	Epsilon = 0.0001
)

type Candidate struct {
	Weight float32
	Token  int32
}

// TokenMix is one ambiguous input position. X and Y are relative to the
// keyboard size. Candidates are ordered by non-increasing weight and
// unused slots have zero weight.
type TokenMix struct {
	X, Y  float32
	Mixes [NumTokenMix]Candidate
}

type Point struct {
	X, Y int
}

// Geometry decomposes a touch into per-key probabilities
type Geometry interface {
	KeyProbabilities(x, y int) []float32
	KeyCodePoint(key int) rune
	Width() int
	Height() int
}

type keyProb struct {
	key  int
	prob float32
}

// BuildMixes converts touch points into token mixes. Points landing on
// symbol keys are skipped.
func BuildMixes(geom Geometry, special *model.SpecialTokens, points []Point) []TokenMix {
	mixes := make([]TokenMix, 0, len(points))
	for i, p := range points {
		probs := geom.KeyProbabilities(p.X, p.Y)

		ranked := make([]keyProb, len(probs))
		for k, prob := range probs {
			if prob < NoiseFloor {
				prob = 0
			}
			ranked[k] = keyProb{key: k, prob: prob}
		}

		slices.SortStableFunc(ranked, func(a, b keyProb) int {
			return cmp.Compare(b.prob, a.prob)
		})

		top := ranked[:min(NumTokenMix, len(ranked))]
		if !slices.ContainsFunc(top, func(kp keyProb) bool {
			_, ok := special.Letter(geom.KeyCodePoint(kp.key))
			return ok
		}) {
			slog.Debug("skipping symbol key", "point", i, "x", p.X, "y", p.Y)
			continue
		}

		var mix TokenMix
		var n int
		var total float32
		for _, kp := range ranked {
			if n == NumTokenMix {
				break
			}

			token, ok := special.Letter(geom.KeyCodePoint(kp.key))
			if !ok {
				continue
			}

			mix.Mixes[n] = Candidate{Weight: kp.prob, Token: token}
			total += kp.prob
			n++
		}

		if total == 0 {
			slog.Error("token mix has no weight", "point", i, "x", p.X, "y", p.Y)
			continue
		}

		for j := range mix.Mixes {
			mix.Mixes[j].Weight /= total
		}

		mix.X = float32(p.X) / float32(geom.Width())
		mix.Y = float32(p.Y) / float32(geom.Height())

		slog.Debug("token mix", "point", i, "x", mix.X, "y", mix.Y, "mixes", mix.Mixes)
		mixes = append(mixes, mix)
	}

	return mixes
}

// CachedMixAmount counts the leading mixes of cur that sit at the same
// coordinates as past.
func CachedMixAmount(past, cur []TokenMix) int {
	var i int
	for i = 0; i < min(len(past), len(cur)); i++ {
		if math.Abs(float64(past[i].X-cur[i].X)) >= Epsilon ||
			math.Abs(float64(past[i].Y-cur[i].Y)) >= Epsilon {
			break
		}
	}

	return i
}
