package memory

import (
	"time"

	"sterilcore/pkg/domain"
)

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListTools() []domain.Tool {
	out := make([]domain.Tool, 0, len(v.state.tools))
	for _, t := range v.state.tools {
		out = append(out, cloneTool(t))
	}
	sortTools(out)
	return out
}

func (v transactionView) FindTool(id string) (domain.Tool, bool) {
	t, ok := v.state.tools[id]
	if !ok {
		return domain.Tool{}, false
	}
	return cloneTool(t), true
}

func (v transactionView) FindToolByBarcode(facilityID, barcode string) (domain.Tool, bool) {
	for _, t := range v.state.tools {
		if t.FacilityID == facilityID && t.Barcode == barcode {
			return cloneTool(t), true
		}
	}
	return domain.Tool{}, false
}

func (v transactionView) ListCycles() []domain.Cycle {
	out := make([]domain.Cycle, 0, len(v.state.cycles))
	for _, c := range v.state.cycles {
		out = append(out, cloneCycle(c))
	}
	sortCycles(out)
	return out
}

func (v transactionView) FindCycle(id string) (domain.Cycle, bool) {
	c, ok := v.state.cycles[id]
	if !ok {
		return domain.Cycle{}, false
	}
	return cloneCycle(c), true
}

func (v transactionView) ListTestResults(facilityID string) []domain.BITestResult {
	var out []domain.BITestResult
	for _, r := range v.state.testResults {
		if r.FacilityID == facilityID {
			out = append(out, cloneTestResult(r))
		}
	}
	sortTestResults(out)
	return out
}

func (v transactionView) FindTestResult(id string) (domain.BITestResult, bool) {
	r, ok := v.state.testResults[id]
	if !ok {
		return domain.BITestResult{}, false
	}
	return cloneTestResult(r), true
}

func (v transactionView) ListIncidents(facilityID string) []domain.BIFailureIncident {
	var out []domain.BIFailureIncident
	for _, i := range v.state.incidents {
		if i.FacilityID == facilityID {
			out = append(out, cloneIncident(i))
		}
	}
	sortIncidents(out)
	return out
}

func (v transactionView) ListActiveIncidents(facilityID string) []domain.BIFailureIncident {
	var out []domain.BIFailureIncident
	for _, i := range v.state.incidents {
		if i.FacilityID == facilityID && i.Status == domain.IncidentActive {
			out = append(out, cloneIncident(i))
		}
	}
	sortIncidents(out)
	return out
}

func (v transactionView) FindIncident(id string) (domain.BIFailureIncident, bool) {
	i, ok := v.state.incidents[id]
	if !ok {
		return domain.BIFailureIncident{}, false
	}
	return cloneIncident(i), true
}

func (v transactionView) CountIncidentsSince(facilityID string, since time.Time) int {
	n := 0
	for _, i := range v.state.incidents {
		if i.FacilityID == facilityID && !i.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (v transactionView) ListBatchCodes(facilityID string) []domain.BatchCode {
	var out []domain.BatchCode
	for _, b := range v.state.batchCodes {
		if b.FacilityID == facilityID {
			out = append(out, b)
		}
	}
	sortBatchCodes(out)
	return out
}

func (v transactionView) FindBatchCode(code string) (domain.BatchCode, bool) {
	b, ok := v.state.batchCodes[code]
	return b, ok
}
