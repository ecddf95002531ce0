package core

import (
	"context"
	"encoding/json"

	"sterilcore/internal/feed"
	"sterilcore/pkg/domain"
)

// HandleChangeEvent applies a change-feed event written by another process
// to local state. Test results advance the tracker; a remote passing result
// also re-checks cycles pending verification.
func (s *Service) HandleChangeEvent(ev feed.Event) {
	switch ev.Table {
	case domain.EntityTestResult.Table():
		if ev.Type == feed.EventDelete || len(ev.New) == 0 {
			return
		}
		var r domain.BITestResult
		if err := json.Unmarshal(ev.New, &r); err != nil {
			s.logger.Warn("undecodable bi result event", "error", err)
			return
		}
		if r.FacilityID != s.facilityID {
			return
		}
		s.tracker.ObserveRemote(r)
		if r.Result == domain.TestPass && r.Status == domain.TestResultFinal {
			if _, err := s.VerifyPendingCycles(context.Background()); err != nil {
				s.logger.Warn("pending cycle verification failed", "facility", s.facilityID, "error", err)
			}
		}
	case domain.EntityIncident.Table():
		var inc domain.BIFailureIncident
		if err := json.Unmarshal(ev.New, &inc); err != nil || inc.FacilityID != s.facilityID {
			return
		}
		s.logger.Info("incident changed", "incident", inc.IncidentNumber, "status", inc.Status, "event", string(ev.Type))
	}
}
