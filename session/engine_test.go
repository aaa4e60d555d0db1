package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tobyprime/VerificationBot/model"
)

const (
	testChat int64 = -1001
	testUser int64 = 42
)

type call struct {
	Op      string
	ChatID  int64
	UserID  int64
	Until   time.Time
	Text    string
	Buttons []model.Button
	Ref     model.MessageRef
}

type fakeActuator struct {
	mu      sync.Mutex
	calls   []call
	nextID  int
	privErr error
	banErr  error
	perms   model.Permissions
	// afterSend runs once a message has been sent, outside the lock.
	afterSend func(ref model.MessageRef)
}

func (a *fakeActuator) add(c call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *fakeActuator) Restrict(_ context.Context, chatID, userID int64) error {
	a.add(call{Op: "restrict", ChatID: chatID, UserID: userID})
	return nil
}

func (a *fakeActuator) RestoreDefaultPermissions(_ context.Context, chatID, userID int64, _ model.Permissions) error {
	a.add(call{Op: "restore", ChatID: chatID, UserID: userID})
	return nil
}

func (a *fakeActuator) ChatPermissions(_ context.Context, chatID int64) (model.Permissions, error) {
	a.add(call{Op: "permissions", ChatID: chatID})
	return a.perms, nil
}

func (a *fakeActuator) Remove(_ context.Context, chatID, userID int64, until time.Time) error {
	a.add(call{Op: "remove", ChatID: chatID, UserID: userID, Until: until})
	return a.banErr
}

func (a *fakeActuator) Unban(_ context.Context, chatID, userID int64) error {
	a.add(call{Op: "unban", ChatID: chatID, UserID: userID})
	return nil
}

func (a *fakeActuator) SendMessage(_ context.Context, chatID int64, text string, buttons ...model.Button) (model.MessageRef, error) {
	a.mu.Lock()
	if chatID > 0 && a.privErr != nil {
		a.mu.Unlock()
		return model.MessageRef{}, a.privErr
	}
	a.nextID++
	ref := model.MessageRef{ChatID: chatID, MessageID: a.nextID}
	a.calls = append(a.calls, call{Op: "send", ChatID: chatID, Text: text, Buttons: buttons, Ref: ref})
	after := a.afterSend
	a.mu.Unlock()
	if after != nil {
		after(ref)
	}
	return ref, nil
}

func (a *fakeActuator) DeleteMessage(_ context.Context, ref model.MessageRef) error {
	a.add(call{Op: "delete", ChatID: ref.ChatID, Ref: ref})
	return nil
}

func (a *fakeActuator) find(op string, match func(c call) bool) []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var res []call
	for _, c := range a.calls {
		if c.Op == op && (match == nil || match(c)) {
			res = append(res, c)
		}
	}
	return res
}

func (a *fakeActuator) sent(chatID int64, contains string) []call {
	return a.find("send", func(c call) bool {
		return c.ChatID == chatID && strings.Contains(c.Text, contains)
	})
}

func (a *fakeActuator) deleted(ref model.MessageRef) bool {
	return len(a.find("delete", func(c call) bool { return c.Ref == ref })) > 0
}

type fakeValidator func(proof string) (bool, error)

func (f fakeValidator) Validate(_ context.Context, proof string) (bool, error) {
	return f(proof)
}

func acceptValid() fakeValidator {
	return func(proof string) (bool, error) { return proof == "valid", nil }
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []model.Outcome
}

func (r *fakeRecorder) RecordOutcome(o model.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *fakeRecorder) all() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.outcomes...)
}

func newEngine(t *testing.T, act *fakeActuator, v Validator, opt Options) *Engine {
	e := NewEngine(NewStore(), act, v, opt)
	t.Cleanup(e.Close)
	return e
}

func join(t *testing.T, e *Engine, userID int64) model.Session {
	sess, err := e.Join(context.Background(), JoinRequest{ChatID: testChat, UserID: userID, UserName: "Alice"})
	require.NoError(t, err)
	return sess
}

func waitRemoved(t *testing.T, e *Engine, userID int64) {
	require.Eventually(t, func() bool {
		_, ok := e.store.peek(userID, "")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ProofBeforeDeadlinePasses(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	rec := &fakeRecorder{}
	e := newEngine(t, act, acceptValid(), Options{
		Window:          time.Minute,
		RestrictOnEntry: true,
		BanPolicy:       model.PermanentBan(),
		BotUsername:     "verify_bot",
	}).WithRecorder(rec)

	sess := join(t, e, testUser)
	req.Len(act.find("restrict", nil), 1)
	notices := act.sent(testChat, "joined")
	req.Len(notices, 1)
	req.Equal("https://t.me/verify_bot?start=verify", notices[0].Buttons[0].URL)
	req.Equal(notices[0].Ref, sess.GroupNotice)

	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))

	req.Len(act.find("permissions", nil), 1)
	req.Len(act.find("restore", nil), 1)
	passed := act.sent(testChat, "passed")
	req.Len(passed, 1)
	req.Len(act.sent(testUser, "passed"), 1)
	req.Empty(act.find("remove", nil))
	req.Empty(act.find("unban", nil))

	_, err := e.store.Get(testUser)
	req.ErrorIs(err, model.ErrNotFound)
	req.Equal(0, e.store.Len())

	// notices are cleaned up
	req.Eventually(func() bool {
		return act.deleted(sess.GroupNotice) && act.deleted(passed[0].Ref)
	}, time.Second, 5*time.Millisecond)

	outcomes := rec.all()
	req.Len(outcomes, 1)
	req.Equal(model.StatePassed, outcomes[0].State)
	req.Empty(outcomes[0].Errors)
}

func TestEngine_KnownPermissionsAreRestoredWithoutLookup(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: time.Minute, RestrictOnEntry: true})

	sess, err := e.Join(context.Background(), JoinRequest{
		ChatID: testChat, UserID: testUser, UserName: "Alice",
		Permissions: &model.Permissions{CanSendMessages: true},
	})
	req.NoError(err)
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))
	req.Empty(act.find("permissions", nil))
	req.Len(act.find("restore", nil), 1)
}

func TestEngine_NoRestrictWhenMuteDisabled(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: time.Minute})

	sess := join(t, e, testUser)
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))
	req.Empty(act.find("restrict", nil))
	req.Empty(act.find("restore", nil))
}

func TestEngine_ExpiryKicksWithoutBan(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	rec := &fakeRecorder{}
	e := newEngine(t, act, acceptValid(), Options{Window: 30 * time.Millisecond, RestrictOnEntry: true}).WithRecorder(rec)

	sess := join(t, e, testUser)
	waitRemoved(t, e, testUser)

	removes := act.find("remove", nil)
	req.Len(removes, 1)
	req.True(removes[0].Until.IsZero())
	req.Len(act.find("unban", nil), 1)
	req.Empty(act.find("restore", nil))
	timeout := act.sent(testChat, "has been removed")
	req.Len(timeout, 1)
	req.Contains(timeout[0].Text, "A███e")

	req.Eventually(func() bool {
		return act.deleted(sess.GroupNotice) && act.deleted(timeout[0].Ref)
	}, time.Second, 5*time.Millisecond)

	outcomes := rec.all()
	req.Len(outcomes, 1)
	req.Equal(model.StateExpired, outcomes[0].State)
	req.Equal("none", outcomes[0].BanPolicy)
}

func TestEngine_ExpiryTemporaryBan(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{
		Window:    20 * time.Millisecond,
		BanPolicy: model.TemporaryBan(300 * time.Second),
	})

	before := time.Now()
	join(t, e, testUser)
	waitRemoved(t, e, testUser)

	removes := act.find("remove", nil)
	req.Len(removes, 1)
	req.WithinDuration(before.Add(300*time.Second), removes[0].Until, 5*time.Second)
	req.Empty(act.find("unban", nil))
	req.Len(act.sent(testUser, "5 minutes"), 1)
}

func TestEngine_ExpiryPermanentBanUndeliverableNotice(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{privErr: fmt.Errorf("%w: forbidden", model.ErrUndeliverable)}
	rec := &fakeRecorder{}
	e := newEngine(t, act, acceptValid(), Options{
		Window:    20 * time.Millisecond,
		BanPolicy: model.PermanentBan(),
	}).WithRecorder(rec)

	join(t, e, testUser)
	waitRemoved(t, e, testUser)

	removes := act.find("remove", nil)
	req.Len(removes, 1)
	req.True(removes[0].Until.IsZero())
	req.Empty(act.find("unban", nil))
	req.Empty(act.sent(testUser, ""))
	req.Len(rec.all(), 1)
	req.Empty(rec.all()[0].Errors)
}

func TestEngine_ActuatorFailureIsRecorded(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{banErr: fmt.Errorf("not enough rights")}
	rec := &fakeRecorder{}
	e := newEngine(t, act, acceptValid(), Options{Window: 20 * time.Millisecond}).WithRecorder(rec)

	join(t, e, testUser)
	waitRemoved(t, e, testUser)

	req.Empty(act.find("unban", nil))
	outcomes := rec.all()
	req.Len(outcomes, 1)
	req.Len(outcomes[0].Errors, 1)
	req.Contains(outcomes[0].Errors[0], "not enough rights")
}

func TestEngine_LateProofIsIgnored(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: 20 * time.Millisecond, RestrictOnEntry: true})

	sess := join(t, e, testUser)
	waitRemoved(t, e, testUser)

	err := e.SubmitProof(context.Background(), testUser, sess.Code, "valid")
	req.ErrorIs(err, model.ErrNotFound)
	req.Empty(act.find("restore", nil))
	req.Empty(act.sent(testChat, "passed"))
}

func TestEngine_SecondProofIsNoop(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: time.Minute})

	sess := join(t, e, testUser)
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))
	req.ErrorIs(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"), model.ErrNotFound)
	req.Len(act.sent(testChat, "passed"), 1)
}

func TestEngine_WrongCodeIsNotFound(t *testing.T) {
	req := require.New(t)
	var validated atomic.Int32
	e := newEngine(t, &fakeActuator{}, fakeValidator(func(string) (bool, error) {
		validated.Add(1)
		return true, nil
	}), Options{Window: time.Minute})

	join(t, e, testUser)
	req.ErrorIs(e.SubmitProof(context.Background(), testUser, "forged", "valid"), model.ErrNotFound)
	req.ErrorIs(e.SubmitProof(context.Background(), testUser, "", "valid"), model.ErrNotFound)
	req.ErrorIs(e.SubmitProof(context.Background(), 7, "forged", "valid"), model.ErrNotFound)
	req.Zero(validated.Load())
}

func TestEngine_RejectedProofKeepsSessionPending(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: time.Minute})

	sess := join(t, e, testUser)
	req.ErrorIs(e.SubmitProof(context.Background(), testUser, sess.Code, "bogus"), model.ErrValidationFailed)
	req.Len(act.sent(testUser, "try again"), 1)

	got, err := e.store.Get(testUser)
	req.NoError(err)
	req.Equal(model.StatePending, got.State)

	// a later valid proof still passes
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))
}

func TestEngine_ValidatorErrorFailsClosed(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	broken := fakeValidator(func(string) (bool, error) {
		return false, fmt.Errorf("%w: connection refused", model.ErrValidation)
	})
	e := newEngine(t, act, broken, Options{Window: time.Minute})

	sess := join(t, e, testUser)
	err := e.SubmitProof(context.Background(), testUser, sess.Code, "valid")
	req.ErrorIs(err, model.ErrValidationFailed)
	req.ErrorIs(err, model.ErrValidation)
	_, err = e.store.Get(testUser)
	req.NoError(err)
	req.Empty(act.sent(testChat, "passed"))
}

func TestEngine_ValidatorErrorFailOpen(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	broken := fakeValidator(func(string) (bool, error) {
		return false, fmt.Errorf("%w: timeout", model.ErrValidation)
	})
	e := newEngine(t, act, broken, Options{Window: time.Minute, FailOpen: true})

	sess := join(t, e, testUser)
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "anything"))
	req.Len(act.sent(testChat, "passed"), 1)
}

func TestEngine_DuplicateJoinRejected(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: time.Minute, RestrictOnEntry: true})

	join(t, e, testUser)
	_, err := e.Join(context.Background(), JoinRequest{ChatID: testChat, UserID: testUser})
	req.ErrorIs(err, model.ErrAlreadyPending)
	req.Len(act.find("restrict", nil), 1)
	req.Len(act.sent(testChat, "joined"), 1)
}

func TestEngine_Remind(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{
		Window:    time.Minute,
		WebAppURL: "https://example.org/challenge?lang=en",
	})

	req.ErrorIs(e.Remind(context.Background(), testUser), model.ErrNotFound)

	sess := join(t, e, testUser)
	req.NoError(e.Remind(context.Background(), testUser))
	first := act.sent(testUser, "Press the button")
	req.Len(first, 1)
	req.Contains(first[0].Buttons[0].URL, "code="+sess.Code)
	req.Contains(first[0].Buttons[0].URL, "user=42")
	req.Contains(first[0].Buttons[0].URL, "lang=en")

	req.NoError(e.Remind(context.Background(), testUser))
	req.True(act.deleted(first[0].Ref))

	got, err := e.Get(testUser, sess.Code)
	req.NoError(err)
	req.NotNil(got.PrivateNotice)

	// the latest reminder is cleaned up with the session
	req.NoError(e.SubmitProof(context.Background(), testUser, sess.Code, "valid"))
	req.Eventually(func() bool { return act.deleted(*got.PrivateNotice) }, time.Second, 5*time.Millisecond)
}

func TestEngine_RemindLosingToResolutionDeletesReminder(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{
		Window:    time.Minute,
		WebAppURL: "https://example.org/challenge",
	})
	sess := join(t, e, testUser)

	var reminder model.MessageRef
	act.mu.Lock()
	act.afterSend = func(ref model.MessageRef) {
		if ref.ChatID != testUser || !reminder.IsZero() {
			return
		}
		reminder = ref
		// the session is resolved while the reminder is in flight
		req.True(e.store.TryResolve(testUser, sess.Code, model.StateExpired))
	}
	act.mu.Unlock()

	req.ErrorIs(e.Remind(context.Background(), testUser), model.ErrNotFound)
	req.False(reminder.IsZero())
	req.True(act.deleted(reminder))
}

// Proofs submitted right at the deadline race the watchdog. Whatever the
// scheduling, every member ends up with exactly one outcome.
func TestEngine_ResolutionRaceHasSingleWinner(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := newEngine(t, act, acceptValid(), Options{Window: 5 * time.Millisecond, RestrictOnEntry: true})

	const users = 200
	passed := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := int64(1); i <= users; i++ {
		sess := join(t, e, i)
		wg.Add(1)
		go func(sess model.Session) {
			defer wg.Done()
			time.Sleep(time.Until(sess.Deadline))
			err := e.SubmitProof(context.Background(), sess.UserID, sess.Code, "valid")
			mu.Lock()
			passed[sess.UserID] = err == nil
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	req.Eventually(func() bool { return e.store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	for i := int64(1); i <= users; i++ {
		user := i
		restores := act.find("restore", func(c call) bool { return c.UserID == user })
		removes := act.find("remove", func(c call) bool { return c.UserID == user })
		req.Equal(1, len(restores)+len(removes), "user %v", user)
		if passed[user] {
			req.Len(restores, 1, "user %v", user)
			req.Empty(removes, "user %v", user)
		} else {
			req.Empty(restores, "user %v", user)
			req.Len(removes, 1, "user %v", user)
		}
	}
}

func TestEngine_CloseAbandonsPendingSessions(t *testing.T) {
	req := require.New(t)
	act := &fakeActuator{}
	e := NewEngine(NewStore(), act, acceptValid(), Options{Window: 50 * time.Millisecond})

	join(t, e, testUser)
	e.Close()
	time.Sleep(100 * time.Millisecond)
	req.Empty(act.find("remove", nil))

	_, err := e.Join(context.Background(), JoinRequest{ChatID: testChat, UserID: 8})
	req.ErrorIs(err, ErrClosed)
}
