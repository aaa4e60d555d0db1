package model

import (
	"fmt"
	"strings"
	"time"
)

type BanKind int

const (
	BanNone BanKind = iota
	BanTemporary
	BanPermanent
)

func (k BanKind) String() string {
	switch k {
	case BanNone:
		return "none"
	case BanTemporary:
		return "temporary"
	case BanPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("BanKind(%d)", int(k))
	}
}

// BanPolicy is the action taken against a member whose verification expired.
type BanPolicy struct {
	Kind     BanKind
	Duration time.Duration
}

// Telegram treats a ban shorter than 30 seconds or longer than 366 days as permanent.
const (
	MinBanDuration = 30 * time.Second
	MaxBanDuration = 366 * 24 * time.Hour
)

func NoBan() BanPolicy {
	return BanPolicy{Kind: BanNone}
}

func TemporaryBan(d time.Duration) BanPolicy {
	return BanPolicy{Kind: BanTemporary, Duration: d}
}

func PermanentBan() BanPolicy {
	return BanPolicy{Kind: BanPermanent}
}

// ParseBanPolicy parses "none", "temporary" or "permanent".
func ParseBanPolicy(kind string, d time.Duration) (BanPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "none":
		return NoBan(), nil
	case "temporary":
		if d <= 0 {
			return BanPolicy{}, fmt.Errorf("temporary ban requires a positive duration")
		}
		return TemporaryBan(d), nil
	case "permanent":
		return PermanentBan(), nil
	default:
		return BanPolicy{}, fmt.Errorf("unknown ban policy %q", kind)
	}
}

// EffectivelyPermanent reports whether Telegram would treat the temporary ban as a permanent one.
func (p BanPolicy) EffectivelyPermanent() bool {
	if p.Kind == BanPermanent {
		return true
	}
	return p.Kind == BanTemporary && (p.Duration < MinBanDuration || p.Duration > MaxBanDuration)
}

func (p BanPolicy) String() string {
	if p.Kind == BanTemporary {
		return fmt.Sprintf("temporary(%v)", p.Duration)
	}
	return p.Kind.String()
}
