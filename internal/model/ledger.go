package model

import "time"

// Usage is a pair of consumed amounts in 6-decimal smallest units.
type Usage struct {
	Native int64 `json:"native"`
	Stable int64 `json:"stable"`
}

// Add returns u increased by o.
func (u Usage) Add(o Usage) Usage {
	return Usage{Native: u.Native + o.Native, Stable: u.Stable + o.Stable}
}

// Sub returns u decreased by o, floored at zero.
func (u Usage) Sub(o Usage) Usage {
	r := Usage{Native: u.Native - o.Native, Stable: u.Stable - o.Stable}
	if r.Native < 0 {
		r.Native = 0
	}
	if r.Stable < 0 {
		r.Stable = 0
	}
	return r
}

// LedgerState is the single durable document of the risk ledger.
type LedgerState struct {
	Totals    Usage            `json:"totals"`
	PerUser   map[string]Usage `json:"per_user"`
	LastReset time.Time        `json:"last_reset"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewLedgerState returns an empty state whose day starts at now.
func NewLedgerState(now time.Time) *LedgerState {
	return &LedgerState{PerUser: make(map[string]Usage), LastReset: now}
}

// Clone returns a deep copy.
func (s *LedgerState) Clone() LedgerState {
	c := *s
	c.PerUser = make(map[string]Usage, len(s.PerUser))
	for k, v := range s.PerUser {
		c.PerUser[k] = v
	}
	return c
}
