package molecule

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const butanol = `2-butanol
  handwritten

  5  4  0  0  0  0  0  0  0  0999 V2000
    0.0000    0.0000    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    1.3000    0.7500    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    2.6000    0.0000    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    3.9000    0.7500    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    1.3000    2.2500    0.0000 O   0  0  0  0  0  0  0  0  0  0  0  0
  1  2  1  0
  2  3  1  0
  3  4  1  0
  2  5  1  0
M  END
`

// 2-methylbutane: the branching carbon carries two identical methyls.
const isopentane = `isopentane

  5  4  0  0  0  0  0  0  0  0999 V2000
    0.0000    0.0000    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    1.3000    0.7500    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    2.6000    0.0000    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    3.9000    0.7500    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
    1.3000    2.2500    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0
  1  2  1  0
  2  3  1  0
  3  4  1  0
  2  5  1  0
M  END
`

func mustParse(t *testing.T, s string) *Molecule {
	t.Helper()
	mol, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	Hydrogenate(mol)
	return mol
}

func TestParse(t *testing.T) {
	mol := mustParse(t, butanol)
	if len(mol.Atoms) != 5 || len(mol.Bonds) != 4 {
		t.Fatalf("got %d atoms, %d bonds", len(mol.Atoms), len(mol.Bonds))
	}
	if mol.Atoms[4].Element != "O" || mol.Atoms[1].X != 1.3 {
		t.Fatalf("unexpected atom %+v", mol.Atoms[4])
	}
	if b := mol.Bonds[3]; b.From != 1 || b.To != 4 || b.Order != 1 {
		t.Fatalf("bonds must be zero-based, got %+v", b)
	}
	if mol.Atoms[0].HCount != 3 || mol.Atoms[1].HCount != 1 || mol.Atoms[4].HCount != 1 {
		t.Fatalf("hydrogen counts %d %d %d", mol.Atoms[0].HCount, mol.Atoms[1].HCount, mol.Atoms[4].HCount)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"no counts": "a\nb\nc\nd\n",
		"truncated": strings.Join(strings.Split(butanol, "\n")[:6], "\n"),
		"bad bond":  strings.Replace(butanol, "  2  5  1  0", "  2  9  1  0", 1),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestChiralCarbons(t *testing.T) {
	got := ChiralCarbons(mustParse(t, butanol))
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("2-butanol chiral centres = %v, want [1]", got)
	}
	if got := ChiralCarbons(mustParse(t, isopentane)); len(got) != 0 {
		t.Fatalf("isopentane chiral centres = %v, want none", got)
	}
}

func TestHeteroatoms(t *testing.T) {
	got := Heteroatoms(mustParse(t, butanol))
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("heteroatoms = %v, want [4]", got)
	}
}

func TestScanSDFAndReadBack(t *testing.T) {
	sdf := butanol + "$$$$\n" + isopentane + "$$$$\n"
	records, err := ScanSDF(strings.NewReader(sdf))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].Offset != 0 || records[1].Offset != int64(len(butanol)+5) {
		t.Fatalf("offsets %d %d", records[0].Offset, records[1].Offset)
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "chiral"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "chiral", "set.sdf"), []byte(sdf), 0o644); err != nil {
		t.Fatal(err)
	}

	mol, err := Load(dir, RecordPath("chiral/set.sdf", records[1].Offset))
	if err != nil {
		t.Fatal(err)
	}
	Hydrogenate(mol)
	if len(ChiralCarbons(mol)) != 0 {
		t.Fatal("second record should be isopentane")
	}

	if _, err := Load(dir, "../outside.mol"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := Load(dir, "chiral/set.sdf@abc"); err == nil {
		t.Fatal("expected bad offset to be rejected")
	}
}

func TestRender(t *testing.T) {
	mol := mustParse(t, butanol)
	r, err := Render(mol, RenderOptions{Width: 800, Height: 600, Noise: true, NoiseDensity: 2})
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(r.PNG))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 800 || b.Dy() != 600 {
		t.Fatalf("image is %dx%d", b.Dx(), b.Dy())
	}
	if len(r.Positions) != len(mol.Atoms) {
		t.Fatalf("got %d positions", len(r.Positions))
	}

	for _, p := range r.Positions {
		if p.X < 0 || p.X > 800 || p.Y < 0 || p.Y > 600 {
			t.Fatalf("atom off canvas: %+v", p)
		}
	}
	// oxygen sits above the chain, so screen y is smaller
	if r.Positions[4].Y >= r.Positions[1].Y {
		t.Fatalf("y axis not flipped: %+v vs %+v", r.Positions[4], r.Positions[1])
	}

	pts, err := Positions(mol, 800, 600)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pts {
		if math.Abs(pts[i].X-r.Positions[i].X) > 1e-9 || math.Abs(pts[i].Y-r.Positions[i].Y) > 1e-9 {
			t.Fatalf("Positions disagrees with Render at %d", i)
		}
	}
}

func TestRenderRejectsBadCanvas(t *testing.T) {
	if _, err := Render(mustParse(t, butanol), RenderOptions{Width: 0, Height: 600}); err == nil {
		t.Fatal("expected error")
	}
}
