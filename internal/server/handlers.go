package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/database"
	"chemcaptcha/internal/molecule"
	"chemcaptcha/internal/payload"
	"chemcaptcha/internal/plugin"
	"chemcaptcha/internal/store"
)

const (
	msgPassed       = "Verification passed"
	msgFailed       = "Verification failed"
	msgInvalidToken = "Invalid or expired token"
	msgUnknownType  = "Unknown captcha type"
	msgBadPayload   = "Invalid payload"
)

var errBadSize = errors.New("width and height must be integers between 100 and 2000")

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{
		"message":            "chemcaptcha is running",
		"mode":               s.mode(),
		"registered_plugins": s.plugins.Slugs(),
	}, http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.plugins.Slugs(), http.StatusOK)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	width, height, err := s.size(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	counts, err := s.db.Counts(r.Context())
	if err != nil {
		log.Printf("[server] count catalog: %v", err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var eligible []plugin.Plugin
	for _, p := range s.plugins.All() {
		if counts[p.Slug()] > 0 {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		respondError(w, "no molecules imported", http.StatusServiceUnavailable)
		return
	}
	p := eligible[rand.Intn(len(eligible))]

	m, err := s.db.RandomMolecule(r.Context(), p.Slug())
	if err != nil {
		log.Printf("[server] pick %s: %v", p.Slug(), err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.issue(w, p, m.Path, width, height)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	p, err := s.plugins.Get(mux.Vars(r)["slug"])
	if err != nil {
		respondError(w, "Plugin not found", http.StatusNotFound)
		return
	}
	width, height, err := s.size(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.db.RandomMolecule(r.Context(), p.Slug())
	if errors.Is(err, database.ErrMoleculeNotFound) {
		respondError(w, "no molecules imported for "+p.Slug(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.Printf("[server] pick %s: %v", p.Slug(), err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.issue(w, p, m.Path, width, height)
}

func (s *Server) handleGenerateCustom(w http.ResponseWriter, r *http.Request) {
	p, err := s.plugins.Get(mux.Vars(r)["slug"])
	if err != nil {
		respondError(w, "Plugin not found", http.StatusNotFound)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, "path is required", http.StatusBadRequest)
		return
	}
	width, height, err := s.size(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// only catalogued paths are served
	m, err := s.db.MoleculeByPath(r.Context(), p.Slug(), path)
	if errors.Is(err, database.ErrMoleculeNotFound) {
		respondError(w, "molecule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] lookup %s %q: %v", p.Slug(), path, err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.issue(w, p, m.Path, width, height)
}

// issue renders the molecule at path as a puzzle of p, stores its answer and
// writes the generate response.
func (s *Server) issue(w http.ResponseWriter, p plugin.Plugin, path string, width, height int) {
	mol, err := molecule.Load(s.cfg.DataDir, path)
	if err != nil {
		log.Printf("[server] load %s: %v", path, err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	puzzle, err := p.Generate(mol, plugin.Options{
		Width:        width,
		Height:       height,
		Noise:        s.cfg.Noise,
		NoiseDensity: s.cfg.NoiseDensity,
		Grid:         s.cfg.Grid,
		Reveal:       s.cfg.DevMode,
	})
	if err != nil {
		log.Printf("[server] generate %s from %s: %v", p.Slug(), path, err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	token := s.tokens.Put(store.Answer{Slug: p.Slug(), Path: path, Boxes: puzzle.Boxes})
	if s.cfg.DevMode {
		log.Printf("[server] %s %s token=%s boxes=%+v", p.Slug(), path, token, puzzle.Boxes)
	}

	respondJSON(w, captcha.GenerateResponse{
		Slug:      p.Slug(),
		ImgBase64: base64.StdEncoding.EncodeToString(puzzle.PNG),
		Width:     width,
		Height:    height,
		Prompt:    p.Prompt(),
		Token:     token,
	}, http.StatusOK)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	p, err := s.plugins.Get(mux.Vars(r)["slug"])
	if err != nil {
		respondError(w, "Plugin not found", http.StatusNotFound)
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil || page < 1 {
		respondError(w, "page must be a positive integer", http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil || limit < 1 || limit > maxCatalogLimit {
		respondError(w, fmt.Sprintf("limit must be between 1 and %d", maxCatalogLimit), http.StatusBadRequest)
		return
	}

	items, total, err := s.db.Page(r.Context(), p.Slug(), page, limit)
	if err != nil {
		log.Printf("[server] catalog %s: %v", p.Slug(), err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, captcha.CatalogResponse{Items: items, Total: total}, http.StatusOK)
}

// handleVerify answers every well-formed envelope with an encrypted verdict,
// including for bad payloads and unknown tokens.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var env payload.Envelope
	body := http.MaxBytesReader(w, r.Body, maxVerifyBody)
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		respondError(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	var req captcha.VerifyRequest
	if err := s.codec.Open(env, &req); err != nil {
		log.Printf("[server] verify: %v", err)
		s.respondVerdict(w, false, msgBadPayload)
		return
	}

	answer, err := s.tokens.Take(req.Token)
	if err != nil {
		s.audit(r, req, "", false)
		s.respondVerdict(w, false, msgInvalidToken)
		return
	}
	if _, err := s.plugins.Get(answer.Slug); err != nil {
		s.audit(r, req, answer.Slug, false)
		s.respondVerdict(w, false, msgUnknownType)
		return
	}

	ok := plugin.Verify(answer.Boxes, req.UserInput)
	s.audit(r, req, answer.Slug, ok)
	if ok {
		s.respondVerdict(w, true, msgPassed)
		return
	}
	s.respondVerdict(w, false, msgFailed)
}

func (s *Server) audit(r *http.Request, req captcha.VerifyRequest, module string, success bool) {
	err := s.db.RecordVerification(r.Context(), database.Verification{
		Token:      req.Token,
		Module:     module,
		Success:    success,
		Points:     len(req.UserInput),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		log.Printf("[server] audit: %v", err)
	}
}

func (s *Server) respondVerdict(w http.ResponseWriter, success bool, message string) {
	env, err := s.codec.Seal(captcha.NewVerifyResponse(success, message))
	if err != nil {
		log.Printf("[server] seal verdict: %v", err)
		respondError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, env, http.StatusOK)
}

func (s *Server) size(r *http.Request) (int, int, error) {
	width, err := intParam(r, "width", s.cfg.DefaultWidth)
	if err != nil {
		return 0, 0, errBadSize
	}
	height, err := intParam(r, "height", s.cfg.DefaultHeight)
	if err != nil {
		return 0, 0, errBadSize
	}
	if width < minSize || width > maxSize || height < minSize || height > maxSize {
		return 0, 0, errBadSize
	}
	return width, height, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
