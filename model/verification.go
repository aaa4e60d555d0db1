package model

import (
	"fmt"
	"time"
)

var (
	ErrAlreadyPending   = fmt.Errorf("verification already pending")
	ErrNotFound         = fmt.Errorf("no pending verification")
	ErrValidationFailed = fmt.Errorf("verification failed")
	ErrValidation       = fmt.Errorf("proof validation error")
	ErrUndeliverable    = fmt.Errorf("notification undeliverable")
)

// State is the progress of a verification session.
type State int32

const (
	StatePending State = iota
	StatePassed
	StateExpired
)

func (s State) Terminal() bool {
	return s == StatePassed || s == StateExpired
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePassed:
		return "passed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MessageRef locates a sent message so that it can be deleted later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool {
	return r.MessageID == 0
}

// Button is an inline URL button attached to an outgoing message.
type Button struct {
	Text string
	URL  string
}

// Permissions mirrors the default member permissions of a chat.
type Permissions struct {
	CanSendMessages bool
	CanSendMedia    bool
	CanSendPolls    bool
	CanSendOther    bool
	CanAddPreviews  bool
	CanChangeInfo   bool
	CanInviteUsers  bool
	CanPinMessages  bool
}

// Session is a snapshot of one pending verification.
type Session struct {
	UserID   int64
	ChatID   int64
	UserName string
	// Code binds a proof submitted from the challenge page to this session.
	Code               string
	GroupNotice        MessageRef
	PrivateNotice      *MessageRef
	Deadline           time.Time
	State              State
	RestrictOnEntry    bool
	BanPolicy          BanPolicy
	DefaultPermissions *Permissions
}
