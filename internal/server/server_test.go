package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/catalog"
	"chemcaptcha/internal/client"
	"chemcaptcha/internal/config"
	"chemcaptcha/internal/database"
	"chemcaptcha/internal/molecule"
	"chemcaptcha/internal/payload"
	"chemcaptcha/internal/plugin"
	"chemcaptcha/internal/session"
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

type testEnv struct {
	ts    *httptest.Server
	db    *database.Database
	codec *payload.Codec
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "set1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "set1", "butanol.mol"), []byte(butanol), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "mol.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := plugin.Default()
	if _, err := db.Import(context.Background(), dataDir, reg); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultServer()
	cfg.DataDir = dataDir
	cfg.PayloadKey = []byte(testKey)
	cfg.Noise = false

	srv, err := New(cfg, db, reg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	codec, err := payload.NewCodec([]byte(testKey))
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{ts: ts, db: db, codec: codec}
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) verify(t *testing.T, req any) captcha.VerifyResponse {
	t.Helper()
	env, err := e.codec.Seal(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(env)
	resp, err := http.Post(e.ts.URL+"/api/captcha/verify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d", resp.StatusCode)
	}
	var reply payload.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	var out captcha.VerifyResponse
	if err := e.codec.Open(reply, &out); err != nil {
		t.Fatalf("open verdict: %v", err)
	}
	return out
}

// chiralClick is the pixel centre of the chiral carbon of 2-butanol.
func chiralClick(t *testing.T, width, height int) captcha.Point {
	t.Helper()
	mol, err := molecule.Parse(butanol)
	if err != nil {
		t.Fatal(err)
	}
	pts, err := molecule.Positions(mol, width, height)
	if err != nil {
		t.Fatal(err)
	}
	return captcha.Point{X: pts[1].X, Y: pts[1].Y}
}

func TestServiceEndpoints(t *testing.T) {
	env := setupTestServer(t)

	var root map[string]any
	if code := env.get(t, "/", &root); code != http.StatusOK {
		t.Fatalf("GET / = %d", code)
	}
	if root["mode"] != "production" {
		t.Fatalf("root = %v", root)
	}

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	var slugs []string
	env.get(t, "/api/captcha/list", &slugs)
	if strings.Join(slugs, ",") != "chiral,hetero" {
		t.Fatalf("list = %v", slugs)
	}
}

func TestGenerate(t *testing.T) {
	env := setupTestServer(t)

	var gen captcha.GenerateResponse
	if code := env.get(t, "/api/captcha/chiral/generate?width=400&height=300", &gen); code != http.StatusOK {
		t.Fatalf("generate = %d", code)
	}
	if gen.Slug != "chiral" || gen.Token == "" || gen.Prompt == "" || gen.Width != 400 || gen.Height != 300 {
		t.Fatalf("unexpected response %+v", gen)
	}
	raw, err := base64.StdEncoding.DecodeString(gen.ImgBase64)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Fatalf("image is %dx%d", b.Dx(), b.Dy())
	}

	var rnd captcha.GenerateResponse
	if code := env.get(t, "/api/captcha/random", &rnd); code != http.StatusOK {
		t.Fatalf("random = %d", code)
	}
	if rnd.Width != captcha.DefaultWidth || rnd.Height != captcha.DefaultHeight {
		t.Fatalf("random size %dx%d", rnd.Width, rnd.Height)
	}

	var errBody map[string]string
	if code := env.get(t, "/api/captcha/aromatic/generate", &errBody); code != http.StatusNotFound || errBody["error"] == "" {
		t.Fatalf("unknown plugin = %d %v", code, errBody)
	}
	if code := env.get(t, "/api/captcha/chiral/generate?width=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad width = %d", code)
	}
	if code := env.get(t, "/api/captcha/chiral/generate?width=10&height=10", nil); code != http.StatusBadRequest {
		t.Fatalf("tiny canvas = %d", code)
	}
}

func TestCatalogAndCustom(t *testing.T) {
	env := setupTestServer(t)

	var cat captcha.CatalogResponse
	if code := env.get(t, "/api/captcha/chiral/catalog?page=1&limit=20", &cat); code != http.StatusOK {
		t.Fatalf("catalog = %d", code)
	}
	if cat.Total != 1 || len(cat.Items) != 1 || cat.Items[0].Path != "set1/butanol.mol" {
		t.Fatalf("catalog = %+v", cat)
	}

	var empty captcha.CatalogResponse
	env.get(t, "/api/captcha/chiral/catalog?page=2", &empty)
	if empty.Total != 1 || empty.Items == nil || len(empty.Items) != 0 {
		t.Fatalf("page 2 = %+v", empty)
	}

	var far captcha.CatalogResponse
	if code := env.get(t, "/api/captcha/chiral/catalog?page=9223372036854775807&limit=100", &far); code != http.StatusOK {
		t.Fatalf("huge page = %d", code)
	}
	if far.Total != 1 || len(far.Items) != 0 {
		t.Fatalf("huge page = %+v", far)
	}

	for _, q := range []string{"page=0", "limit=0", "limit=101", "page=x"} {
		if code := env.get(t, "/api/captcha/chiral/catalog?"+q, nil); code != http.StatusBadRequest {
			t.Fatalf("catalog?%s = %d", q, code)
		}
	}

	var gen captcha.GenerateResponse
	path := url.QueryEscape(cat.Items[0].Path)
	if code := env.get(t, "/api/captcha/chiral/generate_custom?path="+path, &gen); code != http.StatusOK {
		t.Fatalf("generate_custom = %d", code)
	}
	if gen.Token == "" {
		t.Fatal("no token")
	}

	if code := env.get(t, "/api/captcha/chiral/generate_custom?path="+url.QueryEscape("../../etc/passwd"), nil); code != http.StatusNotFound {
		t.Fatalf("uncatalogued path = %d", code)
	}
	if code := env.get(t, "/api/captcha/chiral/generate_custom", nil); code != http.StatusBadRequest {
		t.Fatalf("missing path = %d", code)
	}
}

func TestVerify(t *testing.T) {
	env := setupTestServer(t)
	click := chiralClick(t, 800, 600)

	var gen captcha.GenerateResponse
	env.get(t, "/api/captcha/chiral/generate", &gen)

	got := env.verify(t, captcha.VerifyRequest{Token: gen.Token, UserInput: []captcha.Point{click}})
	if !got.Passed() || got.MessageOr("") != "Verification passed" {
		t.Fatalf("correct answer: %+v", got)
	}

	// tokens are single use
	got = env.verify(t, captcha.VerifyRequest{Token: gen.Token, UserInput: []captcha.Point{click}})
	if got.Passed() || got.MessageOr("") != "Invalid or expired token" {
		t.Fatalf("reused token: %+v", got)
	}

	env.get(t, "/api/captcha/chiral/generate", &gen)
	got = env.verify(t, captcha.VerifyRequest{Token: gen.Token, UserInput: []captcha.Point{{X: 1, Y: 1}}})
	if got.Passed() || got.MessageOr("") != "Verification failed" {
		t.Fatalf("wrong answer: %+v", got)
	}

	audit, err := env.db.Verifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 3 || !audit[2].Success || audit[0].Success || audit[0].Module != "chiral" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestVerifyRejectsBadPayloads(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Post(env.ts.URL+"/api/captcha/verify", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-json body = %d", resp.StatusCode)
	}

	resp, err = http.Post(env.ts.URL+"/api/captcha/verify", "application/json", strings.NewReader(`{"data":"AAAA"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var reply payload.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	var out captcha.VerifyResponse
	if err := env.codec.Open(reply, &out); err != nil {
		t.Fatal(err)
	}
	if out.Passed() || out.MessageOr("") != "Invalid payload" {
		t.Fatalf("garbage ciphertext: %+v", out)
	}

	resp, err = http.Get(env.ts.URL + "/api/captcha/verify")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET verify = %d", resp.StatusCode)
	}
}

func TestVerifyBodyLimit(t *testing.T) {
	env := setupTestServer(t)

	body := `{"data":"` + strings.Repeat("A", maxVerifyBody+1024) + `"}`
	resp, err := http.Post(env.ts.URL+"/api/captcha/verify", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body = %d", resp.StatusCode)
	}
}

func TestRoutingErrors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodDelete, "/api/captcha/verify", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/captcha/list", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/captcha/chiral/catalog", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/healthz", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/captcha/chiral/nothing/here", http.StatusNotFound},
		{http.MethodGet, "/nothing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.ts.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected a JSON error body, got %v %v", body, err)
			}
		})
	}
}

func TestSessionAgainstServer(t *testing.T) {
	env := setupTestServer(t)
	c := client.New(env.ts.URL, nil)

	changes := make(chan session.Snapshot, 64)
	s := session.New(c, env.codec, "chiral", session.Options{
		SuccessDelay: 20 * time.Millisecond,
		FailDelay:    20 * time.Millisecond,
		OnChange: func(snap session.Snapshot) {
			select {
			case changes <- snap:
			default:
			}
		},
	})
	defer s.Close()
	ctx := context.Background()

	ch, err := s.Load(ctx, "chiral")
	if err != nil {
		t.Fatal(err)
	}
	click := chiralClick(t, ch.Width, ch.Height)
	if _, ok := s.AddMark(click.X, click.Y); !ok {
		t.Fatal("mark rejected")
	}

	outcome, err := s.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Success || outcome.SystemError {
		t.Fatalf("outcome = %+v", outcome)
	}
	if s.State() != session.StateSuccess {
		t.Fatalf("state = %s", s.State())
	}

	deadline := time.After(5 * time.Second)
	for {
		snap := s.Snapshot()
		if snap.State == session.StateIdle && snap.Challenge != nil && snap.Challenge.Token != ch.Token {
			break
		}
		select {
		case <-changes:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("session never advanced to a new challenge")
		}
	}

	b := catalog.NewBrowser(c, s)
	page, err := b.FetchPage(ctx, "chiral", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || b.CanNext() || b.CanPrev() {
		t.Fatalf("page = %+v", page)
	}
	picked, err := b.Select(ctx, page.Items[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if picked.Slug != "chiral" || b.IsOpen() {
		t.Fatalf("picked = %+v", picked)
	}
}
