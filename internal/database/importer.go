package database

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"chemcaptcha/internal/molecule"
	"chemcaptcha/internal/plugin"
)

// ImportStats summarises one import run.
type ImportStats struct {
	Files    int
	Records  int
	Invalid  int
	Inserted int
	// Catalog is the size of every module after the run.
	Catalog map[string]int
}

// ContentID returns a CIDv1 (raw + sha2-256) of a mol block with line
// endings and trailing whitespace normalised, so the same structure stored
// twice gets the same id.
func ContentID(text string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	normalized := strings.TrimSpace(strings.Join(lines, "\n"))

	sum, err := multihash.Sum([]byte(normalized), multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Import walks root for .mol and .sdf files, offers every record to every
// plugin and stores the accepted ones. Paths are stored relative to root
// with forward slashes; SDF records get an "@<offset>" suffix.
func (d *Database) Import(ctx context.Context, root string, reg *plugin.Registry) (*ImportStats, error) {
	stats := &ImportStats{}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".mol" && ext != ".sdf" {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		records, err := readRecords(path, rel, ext)
		if err != nil {
			log.Printf("[import] skip %s: %v", rel, err)
			return nil
		}
		stats.Files++

		var rows []Molecule
		now := time.Now()
		for _, rec := range records {
			stats.Records++
			mol, err := molecule.Parse(rec.text)
			if err != nil {
				stats.Invalid++
				continue
			}
			id, err := ContentID(rec.text)
			if err != nil {
				return err
			}
			for _, p := range reg.All() {
				n, ok := p.Accept(mol)
				if !ok {
					continue
				}
				rows = append(rows, Molecule{
					Module:      p.Slug(),
					Path:        rec.path,
					CID:         id,
					AtomCount:   len(mol.Atoms),
					TargetCount: n,
					ProcessedAt: now,
				})
			}
		}
		if len(rows) == 0 {
			return nil
		}

		inserted, err := d.InsertMolecules(ctx, rows)
		if err != nil {
			return fmt.Errorf("import %s: %w", rel, err)
		}
		stats.Inserted += inserted
		log.Printf("[import] %s: %d records, %d candidates, %d new", rel, len(records), len(rows), inserted)
		return nil
	})
	if err != nil {
		return stats, err
	}

	counts, err := d.Counts(ctx)
	if err != nil {
		return stats, err
	}
	stats.Catalog = counts
	return stats, nil
}

type record struct {
	path string
	text string
}

func readRecords(path, rel, ext string) ([]record, error) {
	if ext == ".mol" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return []record{{path: rel, text: string(data)}}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	recs, err := molecule.ScanSDF(f)
	if err != nil {
		return nil, err
	}
	out := make([]record, 0, len(recs))
	for _, r := range recs {
		out = append(out, record{path: molecule.RecordPath(rel, r.Offset), text: r.Text})
	}
	return out, nil
}
