package domain

import "time"

// Identity is the rotating anonymous peer identity. Exactly one value is
// live at a time; the key encrypts peer metadata exchanges.
type Identity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Key       []byte    `json:"key"`
}

// Age returns how long the identity has been live.
func (i Identity) Age(now time.Time) time.Duration {
	return now.Sub(i.CreatedAt)
}

// Zero reports whether the identity has not been minted yet.
func (i Identity) Zero() bool {
	return i.ID == "" || len(i.Key) == 0
}
