package core

import (
	"sync/atomic"

	"sterilcore/internal/clock"
	"sterilcore/internal/phaseconfig"
	"sterilcore/pkg/domain"
)

// Policy carries the compliance settings shared by the service and the
// transaction rules: the phase table, the wall clock and the BI enforcement
// flag. Enforcement may be toggled at runtime.
type Policy struct {
	registry  *phaseconfig.Registry
	clock     clock.Clock
	enforceBI atomic.Bool
}

// NewPolicy builds a policy. A nil registry uses the default phase table and
// a nil clock uses the UTC wall clock.
func NewPolicy(registry *phaseconfig.Registry, clk clock.Clock, enforceBI bool) *Policy {
	if registry == nil {
		registry = phaseconfig.MustLoad(phaseconfig.Defaults())
	}
	if clk == nil {
		clk = clock.Real{}
	}
	p := &Policy{registry: registry, clock: clk}
	p.enforceBI.Store(enforceBI)
	return p
}

// Registry returns the phase table.
func (p *Policy) Registry() *phaseconfig.Registry { return p.registry }

// Clock returns the policy clock.
func (p *Policy) Clock() clock.Clock { return p.clock }

// EnforceBI reports whether a missing daily pass blocks cycle completion.
func (p *Policy) EnforceBI() bool { return p.enforceBI.Load() }

// SetEnforceBI toggles BI enforcement.
func (p *Policy) SetEnforceBI(v bool) { p.enforceBI.Store(v) }

// requiresDailyPass reports whether completing a cycle whose final phase is
// phaseID needs a passing BI result for today.
func (p *Policy) requiresDailyPass(phaseID string) bool {
	def, ok := p.registry.Get(phaseID)
	return ok && def.RequiresBI && p.EnforceBI()
}

// passedToday reports whether results hold a final passing test dated today.
func (p *Policy) passedToday(results []domain.BITestResult) bool {
	now := p.clock.Now()
	for _, r := range results {
		if r.Result == domain.TestPass && r.Status == domain.TestResultFinal && clock.SameDay(r.TestDate, now) {
			return true
		}
	}
	return false
}

// cycleRequiresDailyPass reports whether completing c needs a passing BI
// result for today: enforcement is on and either the table's final phase or
// any phase the cycle ran requires BI. Queue order does not matter.
func (p *Policy) cycleRequiresDailyPass(c domain.Cycle) (string, bool) {
	if final := p.registry.Final(); p.requiresDailyPass(final.ID) {
		return final.ID, true
	}
	for _, ph := range c.Phases {
		if p.requiresDailyPass(ph.PhaseID) {
			return ph.PhaseID, true
		}
	}
	return "", false
}
