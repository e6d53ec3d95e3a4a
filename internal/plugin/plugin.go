// Package plugin holds the challenge modules. A module decides which atoms of
// a molecule are the answer and turns a molecule into a puzzle image plus
// the hit boxes that verification checks against.
package plugin

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/molecule"
)

// BoxRadius is the half-size in pixels of the square around each target atom.
const BoxRadius = 20

// MaxTargets bounds how many clicks a single puzzle may ask for.
const MaxTargets = 8

var ErrPluginNotFound = errors.New("plugin not found")

// Box is an inclusive hit area in canvas pixels.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Contains(p captcha.Point) bool {
	return p.X >= b.X1 && p.X <= b.X2 && p.Y >= b.Y1 && p.Y <= b.Y2
}

// Options are the per-request rendering knobs.
type Options struct {
	Width, Height int
	Noise         bool
	NoiseDensity  int
	Grid          bool
	// Reveal stars the target atoms on the image.
	Reveal bool
	Rand   *rand.Rand
}

// Puzzle is a rendered challenge and its answer.
type Puzzle struct {
	PNG   []byte
	Boxes []Box
}

type Plugin interface {
	Slug() string
	Prompt() string
	// Accept reports whether mol can serve as a puzzle and how many
	// targets it has.
	Accept(mol *molecule.Molecule) (targets int, ok bool)
	Generate(mol *molecule.Molecule, opts Options) (*Puzzle, error)
}

// atomPlugin is a module whose answer is a set of atoms.
type atomPlugin struct {
	slug    string
	prompt  string
	targets func(*molecule.Molecule) []int
}

func (p *atomPlugin) Slug() string   { return p.slug }
func (p *atomPlugin) Prompt() string { return p.prompt }

func (p *atomPlugin) Accept(mol *molecule.Molecule) (int, bool) {
	molecule.Hydrogenate(mol)
	n := len(p.targets(mol))
	return n, n > 0 && n <= MaxTargets
}

func (p *atomPlugin) Generate(mol *molecule.Molecule, opts Options) (*Puzzle, error) {
	molecule.Hydrogenate(mol)
	idx := p.targets(mol)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%s: molecule has no targets", p.slug)
	}

	ro := molecule.RenderOptions{
		Width:        opts.Width,
		Height:       opts.Height,
		Noise:        opts.Noise,
		NoiseDensity: opts.NoiseDensity,
		Grid:         opts.Grid,
		Rand:         opts.Rand,
	}
	if opts.Reveal {
		ro.Marked = make(map[int]bool, len(idx))
		for _, i := range idx {
			ro.Marked[i] = true
		}
	}
	r, err := molecule.Render(mol, ro)
	if err != nil {
		return nil, fmt.Errorf("%s: render: %w", p.slug, err)
	}

	boxes := make([]Box, 0, len(idx))
	for _, i := range idx {
		c := r.Positions[i]
		boxes = append(boxes, Box{
			X1: c.X - BoxRadius, Y1: c.Y - BoxRadius,
			X2: c.X + BoxRadius, Y2: c.Y + BoxRadius,
		})
	}
	return &Puzzle{PNG: r.PNG, Boxes: boxes}, nil
}

// Chiral asks for every chiral carbon.
func Chiral() Plugin {
	return &atomPlugin{
		slug:    "chiral",
		prompt:  "请点击图中所有的手性碳原子",
		targets: molecule.ChiralCarbons,
	}
}

// Hetero asks for every atom that is not carbon or hydrogen.
func Hetero() Plugin {
	return &atomPlugin{
		slug:    "hetero",
		prompt:  "请点击图中所有的杂原子",
		targets: molecule.Heteroatoms,
	}
}

type Registry struct {
	plugins map[string]Plugin
	slugs   []string
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if _, dup := r.plugins[p.Slug()]; !dup {
			r.slugs = append(r.slugs, p.Slug())
		}
		r.plugins[p.Slug()] = p
	}
	sort.Strings(r.slugs)
	return r
}

// Default returns the registry with every built-in module.
func Default() *Registry {
	return NewRegistry(Chiral(), Hetero())
}

func (r *Registry) Get(slug string) (Plugin, error) {
	p, ok := r.plugins[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, slug)
	}
	return p, nil
}

// Slugs returns the registered module names in sorted order.
func (r *Registry) Slugs() []string {
	return append([]string(nil), r.slugs...)
}

func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.slugs))
	for _, s := range r.slugs {
		out = append(out, r.plugins[s])
	}
	return out
}
