// Package molecule reads MDL V2000 molfiles and SDF archives and answers the
// structural questions the captcha plugins ask about them.
package molecule

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Atom struct {
	X, Y    float64
	Element string
	HCount  int
}

// Bond joins two zero-based atom indices.
type Bond struct {
	From, To, Order int
}

// Other returns the atom on the far side of the bond from atom.
func (b Bond) Other(atom int) int {
	if b.From == atom {
		return b.To
	}
	return b.From
}

type Molecule struct {
	Atoms []Atom
	Bonds []Bond
}

var ErrNotV2000 = errors.New("invalid mol: V2000 counts line not found")

// sdfRecordSep marks the end of a record in an SDF file.
const sdfRecordSep = "$$$$"

// Parse reads a single mol block.
func Parse(str string) (*Molecule, error) {
	lines := strings.Split(strings.ReplaceAll(str, "\r\n", "\n"), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("invalid mol: too few lines")
	}

	var countsLine string
	for i, line := range lines {
		if len(line) >= 39 && strings.Contains(line[30:39], "V2000") {
			countsLine = line
			lines = lines[i+1:]
			break
		}
	}
	if countsLine == "" {
		return nil, ErrNotV2000
	}

	numAtoms := parseIntSafe(countsLine[:3])
	numBonds := parseIntSafe(countsLine[3:6])
	if numAtoms <= 0 {
		return nil, fmt.Errorf("invalid mol: no atoms")
	}
	if len(lines) < numAtoms+numBonds {
		return nil, fmt.Errorf("invalid mol: lines too short for atoms+bonds")
	}

	mol := &Molecule{
		Atoms: make([]Atom, 0, numAtoms),
		Bonds: make([]Bond, 0, numBonds),
	}
	for i := 0; i < numAtoms; i++ {
		l := lines[i]
		if len(l) < 34 {
			return nil, fmt.Errorf("invalid mol: short atom line %d", i+1)
		}
		mol.Atoms = append(mol.Atoms, Atom{
			X:       parseFloatSafe(l[0:10]),
			Y:       parseFloatSafe(l[10:20]),
			Element: strings.TrimSpace(l[31:34]),
		})
	}
	for i := 0; i < numBonds; i++ {
		l := lines[numAtoms+i]
		if len(l) < 9 {
			return nil, fmt.Errorf("invalid mol: short bond line %d", i+1)
		}
		b := Bond{
			From:  parseIntSafe(l[0:3]) - 1,
			To:    parseIntSafe(l[3:6]) - 1,
			Order: parseIntSafe(l[6:9]),
		}
		if b.From < 0 || b.From >= numAtoms || b.To < 0 || b.To >= numAtoms {
			return nil, fmt.Errorf("invalid mol: bond %d references a missing atom", i+1)
		}
		mol.Bonds = append(mol.Bonds, b)
	}
	return mol, nil
}

func parseIntSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseFloatSafe(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// Record is one molecule block inside an SDF file.
type Record struct {
	Offset int64
	Text   string
}

// ScanSDF splits an SDF stream into records, remembering the byte offset of
// each so it can be read back with ReadRecordAt.
func ScanSDF(r io.Reader) ([]Record, error) {
	reader := bufio.NewReader(r)
	var (
		records []Record
		sb      strings.Builder
		offset  int64
		start   int64
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if strings.TrimSpace(line) == sdfRecordSep {
			if strings.TrimSpace(sb.String()) != "" {
				records = append(records, Record{Offset: start, Text: sb.String()})
			}
			sb.Reset()
			offset += int64(len(line))
			start = offset
		} else {
			sb.WriteString(line)
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
	}
	if strings.TrimSpace(sb.String()) != "" {
		records = append(records, Record{Offset: start, Text: sb.String()})
	}
	return records, nil
}

// ReadRecordAt reads the record starting at off, up to the next "$$$$".
func ReadRecordAt(sdfPath string, off int64) (string, error) {
	f, err := os.Open(sdfPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}

	reader := bufio.NewReader(f)
	var sb strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if strings.TrimSpace(line) == sdfRecordSep {
			break
		}
		sb.WriteString(line)
		if err == io.EOF {
			break
		}
	}
	return sb.String(), nil
}

// RecordPath is the catalog path of an SDF record: "<file>@<offset>".
func RecordPath(file string, off int64) string {
	return file + "@" + strconv.FormatInt(off, 10)
}

// Load resolves a slash-separated catalog path under root. Paths ending in
// "@<offset>" address one record of an SDF file.
func Load(root, rel string) (*Molecule, error) {
	text, err := LoadText(root, rel)
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

// LoadText returns the raw mol block for a catalog path.
func LoadText(root, rel string) (string, error) {
	clean := filepath.FromSlash(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(filepath.Clean(clean), "..") {
		return "", fmt.Errorf("path %q escapes the data directory", rel)
	}

	if i := strings.LastIndex(rel, "@"); i > 0 && strings.EqualFold(filepath.Ext(rel[:i]), ".sdf") {
		off, err := strconv.ParseInt(rel[i+1:], 10, 64)
		if err != nil || off < 0 {
			return "", fmt.Errorf("bad record offset in %q", rel)
		}
		return ReadRecordAt(filepath.Join(root, filepath.FromSlash(rel[:i])), off)
	}

	data, err := os.ReadFile(filepath.Join(root, clean))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Hydrogenate fills Atom.HCount with implicit hydrogens from simple valence rules.
func Hydrogenate(mol *Molecule) {
	for ai := range mol.Atoms {
		atom := &mol.Atoms[ai]
		totalBond := 0
		for _, b := range mol.AtomBonds(ai) {
			totalBond += mol.Bonds[b].Order
		}
		switch atom.Element {
		case "C":
			atom.HCount = max(0, 4-totalBond)
		case "O", "S":
			atom.HCount = max(0, 2-totalBond)
		case "N", "P":
			atom.HCount = max(0, 3-totalBond)
		}
	}
}

// AtomBonds returns the indices of every bond touching atom.
func (m *Molecule) AtomBonds(atom int) []int {
	var ret []int
	for i, b := range m.Bonds {
		if b.From == atom || b.To == atom {
			ret = append(ret, i)
		}
	}
	return ret
}

func (m *Molecule) bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	for _, a := range m.Atoms {
		minX = math.Min(minX, a.X)
		minY = math.Min(minY, a.Y)
		maxX = math.Max(maxX, a.X)
		maxY = math.Max(maxY, a.Y)
	}
	return
}

func (m *Molecule) AverageBondLength() float64 {
	if len(m.Bonds) == 0 {
		return 0
	}
	total := 0.0
	for _, b := range m.Bonds {
		a1 := m.Atoms[b.From]
		a2 := m.Atoms[b.To]
		total += math.Hypot(a1.X-a2.X, a1.Y-a2.Y)
	}
	return total / float64(len(m.Bonds))
}
