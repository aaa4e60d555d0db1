package session

import (
	"fmt"
	"time"
)

func joinNotice(name string, window time.Duration) string {
	return fmt.Sprintf("%v joined. Please complete the verification in a private chat with me within %v, or you will be removed.", name, humanDuration(window))
}

func passedNotice(name string) string {
	return fmt.Sprintf("%v passed the verification. Welcome!", name)
}

func timeoutNotice(name string) string {
	return fmt.Sprintf("%v did not complete the verification in time and has been removed.", maskName(name))
}

func reminderNotice(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("Press the button below to verify. %v left.", humanDuration(remaining))
}

func failedNotice() string {
	return "Verification failed, please try again."
}

func privatePassedNotice() string {
	return "Verification passed."
}

func retryNotice(d time.Duration) string {
	return fmt.Sprintf("You did not complete the verification in time. You may join again after %v.", humanDuration(d))
}

func permanentNotice() string {
	return "You did not complete the verification in time and have been banned permanently."
}

// maskName keeps only the first and the last rune of a name.
func maskName(name string) string {
	r := []rune(name)
	switch len(r) {
	case 0:
		return "Someone"
	case 1:
		return string(r) + "███"
	default:
		return string(r[0]) + "███" + string(r[len(r)-1])
	}
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d days", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return fmt.Sprintf("%d seconds", d/time.Second)
	}
}
