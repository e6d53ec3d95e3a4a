package molecule

import (
	"bytes"
	"fmt"
	"image/png"
	"math"
	"math/rand"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// RenderOptions controls how a molecule is drawn onto the challenge canvas.
type RenderOptions struct {
	Width, Height int

	// Noise overlays random lines and dots; density scales both.
	Noise        bool
	NoiseDensity int

	// Grid draws a light checkerboard behind the structure.
	Grid bool

	// Marked atoms get a "*" next to them. Used by dev mode only.
	Marked map[int]bool

	// Rand drives noise; nil uses a time-seeded source.
	Rand *rand.Rand
}

// Point is a canvas position in pixels.
type Point struct{ X, Y float64 }

// Rendering is a PNG plus the pixel centre of every atom, in atom order.
type Rendering struct {
	PNG       []byte
	Positions []Point
}

type layout struct {
	width, height int
	fontSize      float64
	scale         float64
	offX, offY    float64
	minX, minY    float64

	labelLeft, labelRight, labelTop, labelBottom []float64
}

func (l *layout) place(a Atom) Point {
	return Point{
		X: l.offX + l.scale*(a.X-l.minX),
		Y: float64(l.height) - l.offY - l.scale*(a.Y-l.minY),
	}
}

var (
	fontOnce sync.Once
	fontTTF  *truetype.Font
	fontErr  error
)

func fontFace(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		fontTTF, fontErr = truetype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fontErr
	}
	return truetype.NewFace(fontTTF, &truetype.Options{Size: size}), nil
}

func computeLayout(mol *Molecule, width, height int) (*layout, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canvas %dx%d", width, height)
	}
	if len(mol.Atoms) == 0 {
		return nil, fmt.Errorf("molecule has no atoms")
	}
	minX, minY, maxX, maxY := mol.bounds()
	rx, ry := maxX-minX, maxY-minY

	short := math.Min(float64(width), float64(height))
	margin := math.Max(short*0.08, 24)
	availW := float64(width) - 2*margin
	availH := float64(height) - 2*margin
	if availW <= 0 || availH <= 0 {
		return nil, fmt.Errorf("canvas %dx%d too small", width, height)
	}

	var scale float64
	switch {
	case rx == 0 && ry == 0:
		scale = 1
	case rx == 0:
		scale = availH / ry
	case ry == 0:
		scale = availW / rx
	default:
		scale = math.Min(availW/rx, availH/ry)
	}

	fontSize := short / 16
	if avg := mol.AverageBondLength(); avg > 0 {
		fontSize = math.Min(avg/1.8*scale, fontSize)
	}
	fontSize = math.Max(fontSize, 10)

	n := len(mol.Atoms)
	return &layout{
		width:       width,
		height:      height,
		fontSize:    fontSize,
		scale:       scale,
		offX:        (float64(width) - rx*scale) / 2,
		offY:        (float64(height) - ry*scale) / 2,
		minX:        minX,
		minY:        minY,
		labelLeft:   make([]float64, n),
		labelRight:  make([]float64, n),
		labelTop:    make([]float64, n),
		labelBottom: make([]float64, n),
	}, nil
}

// Positions returns where each atom lands on a width x height canvas
// without drawing anything.
func Positions(mol *Molecule, width, height int) ([]Point, error) {
	l, err := computeLayout(mol, width, height)
	if err != nil {
		return nil, err
	}
	pts := make([]Point, len(mol.Atoms))
	for i, a := range mol.Atoms {
		pts[i] = l.place(a)
	}
	return pts, nil
}

// Render draws mol centred on the canvas and returns PNG bytes together
// with the pixel position of each atom.
func Render(mol *Molecule, opts RenderOptions) (*Rendering, error) {
	l, err := computeLayout(mol, opts.Width, opts.Height)
	if err != nil {
		return nil, err
	}
	face, err := fontFace(l.fontSize)
	if err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}

	dc := gg.NewContext(opts.Width, opts.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	if opts.Grid {
		drawGridBackground(dc, opts.Width, opts.Height)
	}

	dc.SetFontFace(face)
	pts := drawMolecule(dc, mol, l, opts.Marked)

	if opts.Noise {
		rng := opts.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(rand.Int63()))
		}
		drawNoise(dc, rng, max(opts.NoiseDensity, 1))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, err
	}
	return &Rendering{PNG: buf.Bytes(), Positions: pts}, nil
}

func drawGridBackground(dc *gg.Context, width, height int) {
	const cells = 8
	unitX := float64(width) / cells
	unitY := float64(height) / cells
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			if (i+j)%2 == 0 {
				dc.SetHexColor("#FFFFFF")
			} else {
				dc.SetHexColor("#F0F0F0")
			}
			dc.DrawRectangle(float64(i)*unitX, float64(j)*unitY, unitX, unitY)
			dc.Fill()
		}
	}
}

func drawMolecule(dc *gg.Context, mol *Molecule, l *layout, marked map[int]bool) []Point {
	dc.SetLineWidth(math.Max(l.fontSize/12, 1.5))
	dc.SetRGB(0, 0, 0)

	pts := make([]Point, len(mol.Atoms))
	for i, a := range mol.Atoms {
		p := l.place(a)
		pts[i] = p

		// carbons are implicit vertices
		if a.Element == "C" {
			if marked[i] {
				w, _ := dc.MeasureString("*")
				r := w/4 + l.fontSize/4
				dc.DrawStringAnchored("*", p.X+r, p.Y-r, 0.5, 0.5)
			}
			continue
		}

		label := a.Element
		if a.HCount == 1 {
			label += "H"
		} else if a.HCount > 1 {
			label += fmt.Sprintf("H%d", a.HCount)
		}
		w, _ := dc.MeasureString(label)
		l.labelLeft[i] = w / 2
		l.labelRight[i] = w / 2
		l.labelTop[i] = l.fontSize / 2
		l.labelBottom[i] = l.fontSize / 2
		dc.DrawStringAnchored(label, p.X, p.Y, 0.5, 0.5)
		if marked[i] {
			w2, _ := dc.MeasureString("*")
			dc.DrawString("*", p.X-l.labelLeft[i]-w2, p.Y)
			l.labelLeft[i] += w2
		}
	}

	for _, b := range mol.Bonds {
		a1, a2 := pts[b.From], pts[b.To]
		p1 := calcLinePointConfined(a1.X, a1.Y, a2.X, a2.Y,
			l.labelLeft[b.From], l.labelRight[b.From], l.labelTop[b.From], l.labelBottom[b.From])
		p2 := calcLinePointConfined(a2.X, a2.Y, a1.X, a1.Y,
			l.labelLeft[b.To], l.labelRight[b.To], l.labelTop[b.To], l.labelBottom[b.To])
		rad := math.Atan2(a2.Y-a1.Y, a2.X-a1.X)
		delta := l.fontSize / 6
		dxOff := math.Sin(rad) * delta
		dyOff := -math.Cos(rad) * delta
		switch b.Order {
		case 2:
			dc.DrawLine(p1.X+dxOff/2, p1.Y+dyOff/2, p2.X+dxOff/2, p2.Y+dyOff/2)
			dc.DrawLine(p1.X-dxOff/2, p1.Y-dyOff/2, p2.X-dxOff/2, p2.Y-dyOff/2)
		case 3:
			dc.DrawLine(p1.X, p1.Y, p2.X, p2.Y)
			dc.DrawLine(p1.X+dxOff, p1.Y+dyOff, p2.X+dxOff, p2.Y+dyOff)
			dc.DrawLine(p1.X-dxOff, p1.Y-dyOff, p2.X-dxOff, p2.Y-dyOff)
		default:
			dc.DrawLine(p1.X, p1.Y, p2.X, p2.Y)
		}
		dc.Stroke()
	}
	return pts
}

// drawNoise scatters density*3 strokes and density*50 dots over the canvas.
func drawNoise(dc *gg.Context, rng *rand.Rand, density int) {
	w, h := float64(dc.Width()), float64(dc.Height())
	dc.SetLineWidth(1)
	for i := 0; i < density*3; i++ {
		dc.SetRGBA(rng.Float64(), rng.Float64(), rng.Float64(), 0.6)
		dc.DrawLine(rng.Float64()*w, rng.Float64()*h, rng.Float64()*w, rng.Float64()*h)
		dc.Stroke()
	}
	for i := 0; i < density*50; i++ {
		dc.SetRGBA(rng.Float64(), rng.Float64(), rng.Float64(), 0.8)
		dc.DrawPoint(rng.Float64()*w, rng.Float64()*h, 1)
		dc.Fill()
	}
}

// calcLinePointConfined moves a bond end point from the atom centre (x, y)
// to the edge of its label box, heading toward (x2, y2).
func calcLinePointConfined(x, y, x2, y2, left, right, top, bottom float64) Point {
	w := right
	if x2 <= x {
		w = left
	}
	h := top
	if y2 < y {
		h = bottom
	}
	k := math.Atan2(h, w)
	sigx := math.Copysign(1, x2-x)
	sigy := math.Copysign(1, y2-y)
	absRad := math.Atan2(math.Abs(y2-y), math.Abs(x2-x))
	if absRad > k {
		return Point{X: x + sigx*h/math.Tan(absRad), Y: y + sigy*h}
	}
	return Point{X: x + sigx*w, Y: y + sigy*w*math.Tan(absRad)}
}
