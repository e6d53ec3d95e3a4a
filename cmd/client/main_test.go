package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chemcaptcha/internal/config"
	"chemcaptcha/internal/database"
	"chemcaptcha/internal/molecule"
	"chemcaptcha/internal/plugin"
	"chemcaptcha/internal/server"
)

const butanol = `2-butanol

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

const testKey = "1234567890987654"

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "butanol.mol"), []byte(butanol), 0o644); err != nil {
		t.Fatal(err)
	}
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "mol.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Import(context.Background(), dataDir, plugin.Default()); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultServer()
	cfg.DataDir = dataDir
	cfg.PayloadKey = []byte(testKey)
	cfg.Noise = false
	srv, err := server.New(cfg, db, plugin.Default())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestInteractiveRound(t *testing.T) {
	ts := setupTestServer(t)

	mol, err := molecule.Parse(butanol)
	if err != nil {
		t.Fatal(err)
	}
	pts, err := molecule.Positions(mol, 800, 600)
	if err != nil {
		t.Fatal(err)
	}

	script := strings.Join([]string{
		"list",
		"load chiral",
		"add 1 1",
		"undo",
		fmt.Sprintf("add %f %f", pts[1].X, pts[1].Y),
		"submit",
		"catalog",
		"pick 1",
		"bogus",
		"quit",
	}, "\n") + "\n"

	img := filepath.Join(t.TempDir(), "c.png")
	var out, errOut bytes.Buffer
	code := run([]string{"-server", ts.URL, "-key", testKey, "-out", img}, strings.NewReader(script), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}

	got := out.String()
	for _, want := range []string{
		"random chiral hetero",
		"success: Verification passed",
		"butanol.mol",
		"page 1, 1 total [-|-]",
		`unknown command "bogus"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if info, err := os.Stat(img); err != nil || info.Size() == 0 {
		t.Fatalf("image not written: %v", err)
	}
}

func TestMissingKey(t *testing.T) {
	t.Setenv(config.EnvPayloadKey, "")
	t.Setenv(config.EnvPayloadSecret, "")
	var out, errOut bytes.Buffer
	if code := run(nil, strings.NewReader(""), &out, &errOut); code != 2 {
		t.Fatalf("exit %d", code)
	}
}
