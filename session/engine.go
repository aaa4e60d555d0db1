package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/matoous/go-nanoid/v2"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
)

var ErrClosed = fmt.Errorf("engine closed")

// Actuator performs chat moderation side effects.
type Actuator interface {
	Restrict(ctx context.Context, chatID, userID int64) error
	RestoreDefaultPermissions(ctx context.Context, chatID, userID int64, perms model.Permissions) error
	ChatPermissions(ctx context.Context, chatID int64) (model.Permissions, error)
	// Remove bans the member until the given time. A zero time bans forever.
	Remove(ctx context.Context, chatID, userID int64, until time.Time) error
	Unban(ctx context.Context, chatID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string, buttons ...model.Button) (model.MessageRef, error)
	DeleteMessage(ctx context.Context, ref model.MessageRef) error
}

// Validator checks a proof produced by the challenge page. A non-nil error
// means the check itself could not be performed.
type Validator interface {
	Validate(ctx context.Context, proof string) (bool, error)
}

type Recorder interface {
	RecordOutcome(o model.Outcome) error
}

type Options struct {
	Window          time.Duration
	RestrictOnEntry bool
	BanPolicy       model.BanPolicy
	// CleanupDelay keeps result notices visible before they are deleted.
	CleanupDelay time.Duration
	// FailOpen admits users whose proof could not be checked because the
	// validator itself failed. Off by default.
	FailOpen      bool
	ActionTimeout time.Duration
	BotUsername   string
	WebAppURL     string
}

type JoinRequest struct {
	ChatID      int64
	UserID      int64
	UserName    string
	Permissions *model.Permissions
}

// Engine runs one watchdog per pending session and applies exactly one
// terminal moderation outcome per session.
type Engine struct {
	store     *Store
	act       Actuator
	validator Validator
	recorder  Recorder
	opt       Options
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewEngine(store *Store, act Actuator, validator Validator, opt Options) *Engine {
	if opt.ActionTimeout <= 0 {
		opt.ActionTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		act:       act,
		validator: validator,
		opt:       opt,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithRecorder makes the engine write an audit record for every resolved session.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Options() Options {
	return e.opt
}

// spawn runs f in a goroutine tracked by Close.
func (e *Engine) spawn(f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
	return true
}

// Join starts the verification of a member who just joined a chat.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (model.Session, error) {
	if e.ctx.Err() != nil {
		return model.Session{}, ErrClosed
	}
	code, err := gonanoid.New()
	if err != nil {
		return model.Session{}, fmt.Errorf("generate session code: %w", err)
	}
	sess, err := e.store.Create(model.Session{
		UserID:             req.UserID,
		ChatID:             req.ChatID,
		UserName:           req.UserName,
		Code:               code,
		Deadline:           e.now().Add(e.opt.Window),
		RestrictOnEntry:    e.opt.RestrictOnEntry,
		BanPolicy:          e.opt.BanPolicy,
		DefaultPermissions: req.Permissions,
	})
	if err != nil {
		return model.Session{}, err
	}
	log.Info("verification started: user %v in chat %v, deadline %v", req.UserID, req.ChatID, sess.Deadline.Format(time.RFC3339))

	if e.opt.RestrictOnEntry {
		if err := e.act.Restrict(ctx, req.ChatID, req.UserID); err != nil {
			log.Error("restrict user %v in chat %v: %v", req.UserID, req.ChatID, err)
		}
	}
	ref, err := e.act.SendMessage(ctx, req.ChatID, joinNotice(req.UserName, e.opt.Window), e.deepLink()...)
	if err != nil {
		log.Warn("send join notice for user %v in chat %v: %v", req.UserID, req.ChatID, err)
	} else if e.store.SetGroupNotice(req.UserID, code, ref) {
		sess.GroupNotice = ref
	} else if err := e.act.DeleteMessage(ctx, ref); err != nil {
		// resolved before the notice was stored
		log.Warn("delete join notice of user %v in chat %v: %v", req.UserID, req.ChatID, err)
	}

	resolved, ok := e.store.Resolved(req.UserID, code)
	if !ok {
		// already resolved and removed
		return sess, nil
	}
	if !e.spawn(func() { e.watch(sess, resolved) }) {
		return sess, ErrClosed
	}
	return sess, nil
}

// watch races the deadline against the resolution of the session.
func (e *Engine) watch(sess model.Session, resolved <-chan struct{}) {
	timer := time.NewTimer(sess.Deadline.Sub(e.now()))
	defer timer.Stop()
	select {
	case <-resolved:
		return
	case <-e.ctx.Done():
		return
	case <-timer.C:
	}
	if !e.store.TryResolve(sess.UserID, sess.Code, model.StateExpired) {
		return
	}
	e.expire(sess)
}

// Get returns the pending session of the user if code matches it.
func (e *Engine) Get(userID int64, code string) (model.Session, error) {
	sess, err := e.store.Get(userID)
	if err != nil {
		return model.Session{}, err
	}
	if subtle.ConstantTimeCompare([]byte(sess.Code), []byte(code)) != 1 {
		return model.Session{}, model.ErrNotFound
	}
	return sess, nil
}

// SubmitProof validates a proof for the pending session of the user and admits
// the user if it passes before the session expires.
func (e *Engine) SubmitProof(ctx context.Context, userID int64, code string, proof string) error {
	sess, err := e.Get(userID, code)
	if err != nil {
		return err
	}
	ok, err := e.validator.Validate(ctx, proof)
	if err != nil {
		if !e.opt.FailOpen {
			log.Warn("validate proof of user %v: %v (rejected)", userID, err)
			e.notifyPrivately(ctx, userID, failedNotice())
			return fmt.Errorf("%w: %w", model.ErrValidationFailed, err)
		}
		log.Warn("validate proof of user %v: %v (admitted, fail-open)", userID, err)
		ok = true
	}
	if !ok {
		log.Info("proof of user %v rejected", userID)
		e.notifyPrivately(ctx, userID, failedNotice())
		return model.ErrValidationFailed
	}
	if !e.store.TryResolve(userID, sess.Code, model.StatePassed) {
		log.Info("late proof of user %v ignored", userID)
		return model.ErrNotFound
	}
	e.pass(sess)
	return nil
}

// Remind sends the user a private message leading to the challenge page.
func (e *Engine) Remind(ctx context.Context, userID int64) error {
	sess, err := e.store.Get(userID)
	if err != nil {
		return err
	}
	var buttons []model.Button
	if link := e.challengeURL(sess); link != "" {
		buttons = append(buttons, model.Button{Text: "Verify", URL: link})
	}
	remaining := sess.Deadline.Sub(e.now())
	ref, err := e.act.SendMessage(ctx, userID, reminderNotice(remaining), buttons...)
	if err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}
	old, ok := e.store.SwapPrivateNotice(userID, sess.Code, ref)
	if !ok {
		_ = e.act.DeleteMessage(ctx, ref)
		return model.ErrNotFound
	}
	if old != nil {
		if err := e.act.DeleteMessage(ctx, *old); err != nil {
			log.Debug("delete previous reminder of user %v: %v", userID, err)
		}
	}
	return nil
}

func (e *Engine) pass(sess model.Session) {
	if latest, ok := e.store.peek(sess.UserID, sess.Code); ok {
		sess = latest
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.ActionTimeout)
	defer cancel()
	log.Info("verification passed: user %v in chat %v", sess.UserID, sess.ChatID)

	var errs []string
	if sess.RestrictOnEntry {
		perms := sess.DefaultPermissions
		if perms == nil {
			p, err := e.act.ChatPermissions(ctx, sess.ChatID)
			if err != nil {
				errs = append(errs, fmt.Sprintf("chat permissions: %v", err))
				log.Error("get default permissions of chat %v: %v", sess.ChatID, err)
			} else {
				perms = &p
			}
		}
		if perms != nil {
			if err := e.act.RestoreDefaultPermissions(ctx, sess.ChatID, sess.UserID, *perms); err != nil {
				errs = append(errs, fmt.Sprintf("restore permissions: %v", err))
				log.Error("restore permissions of user %v in chat %v: %v", sess.UserID, sess.ChatID, err)
			}
		}
	}
	notice, err := e.act.SendMessage(ctx, sess.ChatID, passedNotice(sess.UserName))
	if err != nil {
		log.Warn("send passed notice in chat %v: %v", sess.ChatID, err)
	}
	e.notifyPrivately(ctx, sess.UserID, privatePassedNotice())

	e.record(sess, model.StatePassed, errs)
	e.store.Remove(sess.UserID, sess.Code)
	e.cleanupLater(sess, notice)
}

func (e *Engine) expire(sess model.Session) {
	if latest, ok := e.store.peek(sess.UserID, sess.Code); ok {
		sess = latest
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.ActionTimeout)
	defer cancel()
	log.Info("verification expired: user %v in chat %v, policy %v", sess.UserID, sess.ChatID, sess.BanPolicy)

	notice, err := e.act.SendMessage(ctx, sess.ChatID, timeoutNotice(sess.UserName))
	if err != nil {
		log.Warn("send timeout notice in chat %v: %v", sess.ChatID, err)
	}

	var errs []string
	fail := func(op string, err error) {
		errs = append(errs, fmt.Sprintf("%v: %v", op, err))
		log.Error("%v user %v in chat %v: %v", op, sess.UserID, sess.ChatID, err)
	}
	switch sess.BanPolicy.Kind {
	case model.BanTemporary:
		until := e.now().Add(sess.BanPolicy.Duration)
		if err := e.act.Remove(ctx, sess.ChatID, sess.UserID, until); err != nil {
			fail("ban", err)
			break
		}
		e.notifyPrivately(ctx, sess.UserID, retryNotice(sess.BanPolicy.Duration))
	case model.BanPermanent:
		if err := e.act.Remove(ctx, sess.ChatID, sess.UserID, time.Time{}); err != nil {
			fail("ban", err)
			break
		}
		e.notifyPrivately(ctx, sess.UserID, permanentNotice())
	default:
		// kick without leaving the member on the block list
		if err := e.act.Remove(ctx, sess.ChatID, sess.UserID, time.Time{}); err != nil {
			fail("ban", err)
			break
		}
		if err := e.act.Unban(ctx, sess.ChatID, sess.UserID); err != nil {
			fail("unban", err)
		}
	}

	e.record(sess, model.StateExpired, errs)
	e.store.Remove(sess.UserID, sess.Code)
	e.cleanupLater(sess, notice)
}

// cleanupLater deletes the session notices and extra after the cleanup delay.
// It is cancelled when the engine closes.
func (e *Engine) cleanupLater(sess model.Session, extra ...model.MessageRef) {
	refs := append([]model.MessageRef{sess.GroupNotice}, extra...)
	if sess.PrivateNotice != nil {
		refs = append(refs, *sess.PrivateNotice)
	}
	todo := refs[:0]
	for _, ref := range refs {
		if !ref.IsZero() {
			todo = append(todo, ref)
		}
	}
	if len(todo) == 0 {
		return
	}
	e.spawn(func() {
		timer := time.NewTimer(e.opt.CleanupDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.opt.ActionTimeout)
		defer cancel()
		for _, ref := range todo {
			if err := e.act.DeleteMessage(ctx, ref); err != nil {
				log.Warn("delete message %v in chat %v: %v", ref.MessageID, ref.ChatID, err)
			}
		}
	})
}

func (e *Engine) notifyPrivately(ctx context.Context, userID int64, text string) {
	if _, err := e.act.SendMessage(ctx, userID, text); err != nil {
		if errors.Is(err, model.ErrUndeliverable) {
			log.Debug("user %v cannot be messaged privately: %v", userID, err)
			return
		}
		log.Warn("send private message to user %v: %v", userID, err)
	}
}

func (e *Engine) record(sess model.Session, state model.State, errs []string) {
	if e.recorder == nil {
		return
	}
	o := model.Outcome{
		UserID:     sess.UserID,
		ChatID:     sess.ChatID,
		State:      state,
		ResolvedAt: e.now(),
		Errors:     errs,
	}
	if state == model.StateExpired {
		o.BanPolicy = sess.BanPolicy.String()
	}
	if err := e.recorder.RecordOutcome(o); err != nil {
		log.Warn("record outcome of user %v: %v", sess.UserID, err)
	}
}

func (e *Engine) deepLink() []model.Button {
	if e.opt.BotUsername == "" {
		return nil
	}
	return []model.Button{{
		Text: "Verify",
		URL:  fmt.Sprintf("https://t.me/%v?start=verify", e.opt.BotUsername),
	}}
}

func (e *Engine) challengeURL(sess model.Session) string {
	if e.opt.WebAppURL == "" {
		return ""
	}
	u, err := url.Parse(e.opt.WebAppURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("user", strconv.FormatInt(sess.UserID, 10))
	q.Set("code", sess.Code)
	u.RawQuery = q.Encode()
	return u.String()
}

// Close stops all watchdogs and pending cleanups. Sessions still pending are
// abandoned and logged so that operators can handle those members manually.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	e.store.Range(func(sess model.Session) bool {
		if sess.State == model.StatePending {
			log.Warn("abandoned pending verification: user %v in chat %v", sess.UserID, sess.ChatID)
		}
		return true
	})
}
