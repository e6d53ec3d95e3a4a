// Package session drives one captcha challenge at a time: it loads a
// challenge, collects click marks, seals and submits them, and advances to a
// new challenge once the verdict is in.
//
// State moves idle -> verifying -> success|fail -> idle, the last step being
// an automatic reload after a short delay. Every load bumps a generation
// counter; results that belong to an older generation are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/payload"
)

type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateFail      State = "fail"
)

// User-facing messages.
const (
	MessageSuccess     = "验证通过"
	MessageFail        = "验证失败"
	MessageSystemError = "系统错误"
	MessageLoadFailed  = "连接服务器失败"
)

const (
	DefaultSuccessDelay = 1000 * time.Millisecond
	DefaultFailDelay    = 1500 * time.Millisecond
)

var (
	ErrClosed          = errors.New("session closed")
	ErrNotIdle         = errors.New("verification in progress")
	ErrNothingToSubmit = errors.New("no challenge loaded or no marks placed")
	ErrSuperseded      = errors.New("superseded by a newer load")
	ErrNoCatalog       = errors.New("random module has no catalog")
)

// Transport is the subset of the captcha API a session needs.
type Transport interface {
	Random(ctx context.Context, width, height int) (*captcha.Challenge, error)
	Generate(ctx context.Context, slug string, width, height int) (*captcha.Challenge, error)
	GenerateCustom(ctx context.Context, slug, path string, width, height int) (*captcha.Challenge, error)
	Verify(ctx context.Context, env payload.Envelope) (payload.Envelope, error)
}

type Options struct {
	Width  int
	Height int

	SuccessDelay time.Duration
	FailDelay    time.Duration

	// OnChange receives a snapshot after every state change. It runs outside
	// the session lock, on whichever goroutine made the change.
	OnChange func(Snapshot)
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = captcha.DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = captcha.DefaultHeight
	}
	if o.SuccessDelay <= 0 {
		o.SuccessDelay = DefaultSuccessDelay
	}
	if o.FailDelay <= 0 {
		o.FailDelay = DefaultFailDelay
	}
	return o
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	Module     string
	Generation uint64
	Loading    bool
	Challenge  *captcha.Challenge
	Marks      []captcha.PointMark
	State      State
	Message    string
}

type Session struct {
	transport Transport
	codec     *payload.Codec
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	module     string
	gen        uint64
	loading    bool
	challenge  *captcha.Challenge
	marks      []captcha.PointMark
	nextID     int
	state      State
	message    string
	loadCancel context.CancelFunc
	timer      *time.Timer
}

// New creates an idle session bound to module. Nothing is fetched until Load.
func New(t Transport, codec *payload.Codec, module string, opts Options) *Session {
	if module == "" {
		module = captcha.RandomModule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		transport: t,
		codec:     codec,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		module:    module,
		state:     StateIdle,
	}
}

// Load fetches a fresh challenge for module, replacing the current challenge
// and marks. A load that is overtaken by a newer one returns ErrSuperseded.
func (s *Session) Load(ctx context.Context, module string) (*captcha.Challenge, error) {
	return s.load(ctx, module, "", 0)
}

// LoadSpecific fetches the challenge for one catalog path of module.
func (s *Session) LoadSpecific(ctx context.Context, module, path string) (*captcha.Challenge, error) {
	if module == captcha.RandomModule {
		return nil, ErrNoCatalog
	}
	return s.load(ctx, module, path, 0)
}

// Reload fetches a fresh challenge for the current module.
func (s *Session) Reload(ctx context.Context) (*captcha.Challenge, error) {
	return s.load(ctx, s.Module(), "", 0)
}

// load starts a new generation. When expect is non-zero the load only
// proceeds if the session is still on that generation.
func (s *Session) load(ctx context.Context, module, path string, expect uint64) (*captcha.Challenge, error) {
	if module == "" {
		module = captcha.RandomModule
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if expect != 0 && expect != s.gen {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	s.stopTimerLocked()
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.gen++
	gen := s.gen

	loadCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.loadCancel = cancel

	s.module = module
	s.loading = true
	s.challenge = nil
	s.marks = nil
	s.state = StateIdle
	s.message = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	ch, err := s.fetch(loadCtx, module, path)
	stop()
	cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if gen != s.gen {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	s.loading = false
	s.loadCancel = nil
	if err != nil {
		s.message = MessageLoadFailed
		snap = s.snapshotLocked()
		s.mu.Unlock()
		log.Printf("[session] load %s failed: %v", module, err)
		s.notify(snap)
		return nil, fmt.Errorf("load %s: %w", module, err)
	}
	s.challenge = ch
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return ch, nil
}

func (s *Session) fetch(ctx context.Context, module, path string) (*captcha.Challenge, error) {
	w, h := s.opts.Width, s.opts.Height
	switch {
	case path != "":
		return s.transport.GenerateCustom(ctx, module, path, w, h)
	case module == captcha.RandomModule:
		return s.transport.Random(ctx, w, h)
	default:
		return s.transport.Generate(ctx, module, w, h)
	}
}

// AddMark appends a click. It is refused unless a challenge is loaded and
// the session is idle. Out-of-range coordinates are kept and logged; the
// server decides.
func (s *Session) AddMark(x, y float64) (captcha.PointMark, bool) {
	s.mu.Lock()
	if s.closed || s.state != StateIdle || s.challenge == nil {
		s.mu.Unlock()
		return captcha.PointMark{}, false
	}
	s.nextID++
	m := captcha.PointMark{X: x, Y: y, LocalID: s.nextID}
	s.marks = append(s.marks, m)
	outside := !s.challenge.Contains(x, y)
	width, height := s.challenge.Width, s.challenge.Height
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if outside {
		log.Printf("[session] mark %d at (%.1f, %.1f) is outside the %dx%d image", m.LocalID, x, y, width, height)
	}
	s.notify(snap)
	return m, true
}

// RemoveMark deletes the mark with the given id while idle.
func (s *Session) RemoveMark(id int) bool {
	s.mu.Lock()
	if s.closed || s.state != StateIdle {
		s.mu.Unlock()
		return false
	}
	idx := -1
	for i, m := range s.marks {
		if m.LocalID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.marks = append(s.marks[:idx:idx], s.marks[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// Undo removes the most recent mark.
func (s *Session) Undo() bool {
	s.mu.Lock()
	if len(s.marks) == 0 {
		s.mu.Unlock()
		return false
	}
	id := s.marks[len(s.marks)-1].LocalID
	s.mu.Unlock()
	return s.RemoveMark(id)
}

// Submit freezes the current marks, sends them for verification and blocks
// until the verdict is in. Transport and decryption failures are reported
// as a failed outcome with SystemError set, not as an error. Either outcome
// schedules exactly one reload of the same module.
func (s *Session) Submit(ctx context.Context) (captcha.VerificationOutcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return captcha.VerificationOutcome{}, ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return captcha.VerificationOutcome{}, ErrNotIdle
	}
	if s.challenge == nil || len(s.marks) == 0 {
		s.mu.Unlock()
		return captcha.VerificationOutcome{}, ErrNothingToSubmit
	}
	req := captcha.VerifyRequest{
		Token:     s.challenge.Token,
		UserInput: make([]captcha.Point, len(s.marks)),
	}
	for i, m := range s.marks {
		req.UserInput[i] = m.Point()
	}
	gen := s.gen
	s.state = StateVerifying
	s.message = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	verifyCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	outcome := s.verify(verifyCtx, req)
	stop()
	cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return outcome, ErrClosed
	}
	if gen != s.gen {
		s.mu.Unlock()
		return outcome, ErrSuperseded
	}
	delay := s.opts.FailDelay
	s.state = StateFail
	if outcome.Success {
		delay = s.opts.SuccessDelay
		s.state = StateSuccess
	}
	s.message = outcome.Message
	s.scheduleLocked(delay, gen)
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return outcome, nil
}

func (s *Session) verify(ctx context.Context, req captcha.VerifyRequest) captcha.VerificationOutcome {
	systemError := captcha.VerificationOutcome{Message: MessageSystemError, SystemError: true}

	env, err := s.codec.Seal(req)
	if err != nil {
		log.Printf("[session] seal verify request: %v", err)
		return systemError
	}
	reply, err := s.transport.Verify(ctx, env)
	if err != nil {
		log.Printf("[session] verify request failed: %v", err)
		return systemError
	}
	var resp captcha.VerifyResponse
	if err := s.codec.Open(reply, &resp); err != nil {
		log.Printf("[session] %v", err)
		return systemError
	}
	if resp.Passed() {
		return captcha.VerificationOutcome{Success: true, Message: resp.MessageOr(MessageSuccess)}
	}
	return captcha.VerificationOutcome{Message: resp.MessageOr(MessageFail)}
}

func (s *Session) scheduleLocked(delay time.Duration, gen uint64) {
	s.stopTimerLocked()
	s.timer = time.AfterFunc(delay, func() {
		s.advance(gen)
	})
}

func (s *Session) advance(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	module := s.module
	s.mu.Unlock()

	_, err := s.load(s.ctx, module, "", gen)
	if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
		log.Printf("[session] auto advance: %v", err)
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Close cancels any in-flight request and pending reload. The session
// rejects every call afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimerLocked()
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.cancel()
}

func (s *Session) Module() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Module:     s.module,
		Generation: s.gen,
		Loading:    s.loading,
		Challenge:  s.challenge,
		Marks:      append([]captcha.PointMark(nil), s.marks...),
		State:      s.state,
		Message:    s.message,
	}
}

func (s *Session) notify(snap Snapshot) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}
