package resilience

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Policy controls how Execute treats one operation. Zero values fall back to
// the default preset's retry/timeout settings; breaker, bulkhead, and hedge
// stay off unless configured.
type Policy struct {
	// Timeout bounds each attempt. 0 means no per-attempt timeout.
	Timeout time.Duration
	// MaxAttempts is the total number of invocations (first try included).
	MaxAttempts int
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. 0 means uncapped.
	MaxDelay time.Duration
	// JitterFrac spreads each delay uniformly in [1-f, 1+f]. 0 disables jitter.
	JitterFrac float64

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit for this operation name. 0 disables the breaker.
	BreakerThreshold int
	// BreakerResetTimeout is how long an open circuit rejects calls before
	// allowing a half-open trial.
	BreakerResetTimeout time.Duration

	Bulkhead *BulkheadPolicy
	Hedge    *HedgePolicy
}

// BulkheadPolicy bounds concurrent access to one resource class.
// An empty Resource falls back to the operation name.
type BulkheadPolicy struct {
	Resource      string
	MaxConcurrent int
	MaxQueued     int
}

// HedgePolicy fires duplicate calls when the primary is slow. Only safe for
// idempotent work: the first result wins and losers are discarded.
type HedgePolicy struct {
	Delay     time.Duration
	MaxHedges int
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BreakerThreshold > 0 && p.BreakerResetTimeout <= 0 {
		p.BreakerResetTimeout = 60 * time.Second
	}
	return p
}

// clone deep-copies so preset consumers cannot alias the shared tables.
func (p Policy) clone() Policy {
	if p.Bulkhead != nil {
		b := *p.Bulkhead
		p.Bulkhead = &b
	}
	if p.Hedge != nil {
		h := *p.Hedge
		p.Hedge = &h
	}
	return p
}

var presets = map[string]Policy{
	"default": {
		Timeout: 30 * time.Second, MaxAttempts: 3,
		BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFrac: 0.2,
		BreakerThreshold: 5, BreakerResetTimeout: 60 * time.Second,
	},
	"critical": {
		Timeout: 60 * time.Second, MaxAttempts: 5,
		BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, JitterFrac: 0.2,
		BreakerThreshold: 10, BreakerResetTimeout: 30 * time.Second,
	},
	"fast": {
		Timeout: 5 * time.Second, MaxAttempts: 2,
		BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, JitterFrac: 0.2,
		BreakerThreshold: 3, BreakerResetTimeout: 15 * time.Second,
	},
	"background": {
		Timeout: 5 * time.Minute, MaxAttempts: 8,
		BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, JitterFrac: 0.2,
		BreakerThreshold: 20, BreakerResetTimeout: 2 * time.Minute,
	},
	"realtime": {
		Timeout: 2 * time.Second, MaxAttempts: 1,
		BreakerThreshold: 2, BreakerResetTimeout: 10 * time.Second,
		Hedge: &HedgePolicy{Delay: 300 * time.Millisecond, MaxHedges: 1},
	},
	"database": {
		Timeout: 10 * time.Second, MaxAttempts: 5,
		BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, JitterFrac: 0.2,
		BreakerThreshold: 5, BreakerResetTimeout: 30 * time.Second,
		Bulkhead: &BulkheadPolicy{MaxConcurrent: 10, MaxQueued: 100},
	},
	"idempotent": {
		Timeout: 30 * time.Second, MaxAttempts: 6,
		BaseDelay: 500 * time.Millisecond, MaxDelay: 60 * time.Second, JitterFrac: 0.2,
		BreakerThreshold: 5, BreakerResetTimeout: 60 * time.Second,
		Hedge: &HedgePolicy{Delay: time.Second, MaxHedges: 2},
	},
}

// Preset resolves a named policy. Unknown names are a caller error, never a
// silent fallback.
func Preset(name string) (Policy, error) {
	p, ok := presets[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown resilience preset %q (have %s)", name, strings.Join(PresetNames(), ", "))
	}
	return p.clone(), nil
}

// MustPreset is Preset for statically known names.
func MustPreset(name string) Policy {
	p, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return p
}

// PresetNames lists the available presets, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
