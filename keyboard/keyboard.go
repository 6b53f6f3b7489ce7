// Package keyboard describes key positions of a touch keyboard and turns
// touches into per-key probabilities.
package keyboard

import (
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"

	"github.com/ollama/xlm/gesture"
)

//go:embed layouts/*.yaml
var layouts embed.FS

// DefaultLayout is used when no layout is configured
const DefaultLayout = "qwerty"

var ErrInvalidLayout = errors.New("invalid layout")

type Key struct {
	CodePoint rune

	// X and Y are the centre of the key
	X, Y          float64
	Width, Height float64
}

type row struct {
	Keys   string  `yaml:"keys"`
	Offset float64 `yaml:"offset"`

	// KeyWidth overrides the layout key width for this row
	KeyWidth float64 `yaml:"key_width"`
}

type layoutFile struct {
	Name      string  `yaml:"name"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	KeyWidth  float64 `yaml:"key_width"`
	KeyHeight float64 `yaml:"key_height"`
	Rows      []row   `yaml:"rows"`
}

// Layout is a keyboard geometry
type Layout struct {
	Name string
	Keys []Key

	width, height int
	dists         []distuv.Normal
}

var _ gesture.Geometry = (*Layout)(nil)

// Load returns a built-in layout by name or reads a layout file
func Load(name string) (*Layout, error) {
	if name == "" {
		name = DefaultLayout
	}

	if bts, err := layouts.ReadFile("layouts/" + name + ".yaml"); err == nil {
		return Parse(bts)
	}

	bts, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("layout %q is neither built in nor readable: %w", name, err)
	}

	l, err := Parse(bts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}

	return l, nil
}

func Parse(bts []byte) (*Layout, error) {
	var f layoutFile
	if err := yaml.Unmarshal(bts, &f); err != nil {
		return nil, err
	}

	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidLayout, f.Width, f.Height)
	}

	if f.KeyWidth <= 0 || f.KeyHeight <= 0 {
		return nil, fmt.Errorf("%w: key size %gx%g", ErrInvalidLayout, f.KeyWidth, f.KeyHeight)
	}

	l := Layout{Name: f.Name, width: f.Width, height: f.Height}
	for i, r := range f.Rows {
		width := f.KeyWidth
		if r.KeyWidth > 0 {
			width = r.KeyWidth
		}

		var j int
		for _, c := range r.Keys {
			l.Keys = append(l.Keys, Key{
				CodePoint: c,
				X:         r.Offset + (float64(j)+0.5)*width,
				Y:         (float64(i) + 0.5) * f.KeyHeight,
				Width:     width,
				Height:    f.KeyHeight,
			})
			j++
		}
	}

	if len(l.Keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidLayout)
	}

	for _, k := range l.Keys {
		l.dists = append(l.dists, distuv.Normal{Mu: 0, Sigma: 0.5 * k.Width})
	}

	return &l, nil
}

func (l *Layout) Width() int  { return l.width }
func (l *Layout) Height() int { return l.height }

func (l *Layout) KeyCodePoint(key int) rune {
	if key < 0 || key >= len(l.Keys) {
		return 0
	}
	return l.Keys[key].CodePoint
}

// KeyProbabilities weighs every key by a Gaussian on the distance between
// the touch and the key centre. The result sums to 1.
func (l *Layout) KeyProbabilities(x, y int) []float32 {
	probs := make([]float64, len(l.Keys))
	var sum float64
	nearest, best := 0, math.Inf(1)
	for i, k := range l.Keys {
		d := math.Hypot(float64(x)-k.X, float64(y)-k.Y)
		if d < best {
			nearest, best = i, d
		}

		probs[i] = l.dists[i].Prob(d)
		sum += probs[i]
	}

	out := make([]float32, len(probs))

	// far outside the keyboard every density underflows
	if sum == 0 {
		out[nearest] = 1
		return out
	}

	for i, p := range probs {
		out[i] = float32(p / sum)
	}

	return out
}

// Points returns the key centres typing word would touch. Characters
// without a key are skipped.
func (l *Layout) Points(word string) []gesture.Point {
	var points []gesture.Point
	for _, c := range strings.ToLower(word) {
		for _, k := range l.Keys {
			if k.CodePoint == c {
				points = append(points, gesture.Point{X: int(math.Round(k.X)), Y: int(math.Round(k.Y))})
				break
			}
		}
	}

	return points
}
