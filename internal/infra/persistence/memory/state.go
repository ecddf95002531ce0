package memory

import (
	"fmt"
	"sort"
	"time"

	"sterilcore/pkg/domain"
)

type memoryState struct {
	tools       map[string]domain.Tool
	cycles      map[string]domain.Cycle
	testResults map[string]domain.BITestResult
	incidents   map[string]domain.BIFailureIncident
	batchCodes  map[string]domain.BatchCode
	incidentSeq map[string]int
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// persisted as one bucket by the durable stores.
type Snapshot struct {
	Tools             map[string]domain.Tool              `json:"tools"`
	Cycles            map[string]domain.Cycle             `json:"sterilization_cycles"`
	TestResults       map[string]domain.BITestResult      `json:"bi_test_results"`
	Incidents         map[string]domain.BIFailureIncident `json:"bi_failure_incidents"`
	BatchCodes        map[string]domain.BatchCode         `json:"batch_codes"`
	IncidentSequences map[string]int                      `json:"incident_sequences"`
}

// Bucket names used by durable stores, one per Snapshot field.
const (
	BucketTools             = "tools"
	BucketCycles            = "sterilization_cycles"
	BucketTestResults       = "bi_test_results"
	BucketIncidents         = "bi_failure_incidents"
	BucketBatchCodes        = "batch_codes"
	BucketIncidentSequences = "incident_sequences"
)

// Buckets lists every snapshot bucket in persistence order.
func Buckets() []string {
	return []string{BucketTools, BucketCycles, BucketTestResults, BucketIncidents, BucketBatchCodes, BucketIncidentSequences}
}

// Bucket returns a pointer to the snapshot field backing the named bucket so
// callers can marshal or unmarshal it generically.
func (s *Snapshot) Bucket(name string) (any, bool) {
	switch name {
	case BucketTools:
		return &s.Tools, true
	case BucketCycles:
		return &s.Cycles, true
	case BucketTestResults:
		return &s.TestResults, true
	case BucketIncidents:
		return &s.Incidents, true
	case BucketBatchCodes:
		return &s.BatchCodes, true
	case BucketIncidentSequences:
		return &s.IncidentSequences, true
	}
	return nil, false
}

func newMemoryState() memoryState {
	return memoryState{
		tools:       make(map[string]domain.Tool),
		cycles:      make(map[string]domain.Cycle),
		testResults: make(map[string]domain.BITestResult),
		incidents:   make(map[string]domain.BIFailureIncident),
		batchCodes:  make(map[string]domain.BatchCode),
		incidentSeq: make(map[string]int),
	}
}

func (s memoryState) clone() memoryState {
	return s.cloneInto(newMemoryState())
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Tools:             c.tools,
		Cycles:            c.cycles,
		TestResults:       c.testResults,
		Incidents:         c.incidents,
		BatchCodes:        c.batchCodes,
		IncidentSequences: c.incidentSeq,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	src := memoryState{
		tools:       s.Tools,
		cycles:      s.Cycles,
		testResults: s.TestResults,
		incidents:   s.Incidents,
		batchCodes:  s.BatchCodes,
		incidentSeq: s.IncidentSequences,
	}
	return src.cloneInto(newMemoryState())
}

// cloneInto deep-copies every entry of s into dst. Nil maps are skipped.
func (s memoryState) cloneInto(dst memoryState) memoryState {
	for k, v := range s.tools {
		dst.tools[k] = cloneTool(v)
	}
	for k, v := range s.cycles {
		dst.cycles[k] = cloneCycle(v)
	}
	for k, v := range s.testResults {
		dst.testResults[k] = cloneTestResult(v)
	}
	for k, v := range s.incidents {
		dst.incidents[k] = cloneIncident(v)
	}
	for k, v := range s.batchCodes {
		dst.batchCodes[k] = v
	}
	for k, v := range s.incidentSeq {
		dst.incidentSeq[k] = v
	}
	return dst
}

func sequenceKey(facilityID string, day time.Time) string {
	return fmt.Sprintf("%s|%s", facilityID, day.Format("20060102"))
}

func cloneStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneTool(t domain.Tool) domain.Tool {
	cp := t
	cp.CurrentPhaseID = cloneStringPtr(t.CurrentPhaseID)
	cp.CycleID = cloneStringPtr(t.CycleID)
	return cp
}

func cloneCycle(c domain.Cycle) domain.Cycle {
	cp := c
	cp.ToolIDs = cloneStrings(c.ToolIDs)
	cp.CompletedAt = cloneTimePtr(c.CompletedAt)
	if c.Phases != nil {
		cp.Phases = make([]domain.PhaseInstance, len(c.Phases))
		for i, p := range c.Phases {
			pi := p
			pi.ToolIDs = cloneStrings(p.ToolIDs)
			pi.StartedAt = cloneTimePtr(p.StartedAt)
			pi.EndedAt = cloneTimePtr(p.EndedAt)
			cp.Phases[i] = pi
		}
	}
	return cp
}

func cloneTestResult(r domain.BITestResult) domain.BITestResult {
	cp := r
	cp.Expiry = cloneTimePtr(r.Expiry)
	if r.Conditions != nil {
		cp.Conditions = make(map[string]string, len(r.Conditions))
		for k, v := range r.Conditions {
			cp.Conditions[k] = v
		}
	}
	return cp
}

func cloneIncident(i domain.BIFailureIncident) domain.BIFailureIncident {
	cp := i
	cp.LastPassDate = cloneTimePtr(i.LastPassDate)
	cp.ResolvedAt = cloneTimePtr(i.ResolvedAt)
	cp.AffectedBatchIDs = cloneStrings(i.AffectedBatchIDs)
	cp.AffectedBatchCodes = cloneStrings(i.AffectedBatchCodes)
	cp.AffectedToolIDs = cloneStrings(i.AffectedToolIDs)
	return cp
}

func sortTools(tools []domain.Tool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Barcode != tools[j].Barcode {
			return tools[i].Barcode < tools[j].Barcode
		}
		return tools[i].ID < tools[j].ID
	})
}

func sortCycles(cycles []domain.Cycle) {
	sort.Slice(cycles, func(i, j int) bool {
		if !cycles[i].StartedAt.Equal(cycles[j].StartedAt) {
			return cycles[i].StartedAt.Before(cycles[j].StartedAt)
		}
		return cycles[i].ID < cycles[j].ID
	})
}

func sortTestResults(results []domain.BITestResult) {
	sort.Slice(results, func(i, j int) bool {
		if !results[i].TestDate.Equal(results[j].TestDate) {
			return results[i].TestDate.Before(results[j].TestDate)
		}
		return results[i].ID < results[j].ID
	})
}

func sortIncidents(incidents []domain.BIFailureIncident) {
	sort.Slice(incidents, func(i, j int) bool {
		if !incidents[i].FailureDate.Equal(incidents[j].FailureDate) {
			return incidents[i].FailureDate.Before(incidents[j].FailureDate)
		}
		return incidents[i].IncidentNumber < incidents[j].IncidentNumber
	})
}

func sortBatchCodes(codes []domain.BatchCode) {
	sort.Slice(codes, func(i, j int) bool {
		if !codes[i].GeneratedAt.Equal(codes[j].GeneratedAt) {
			return codes[i].GeneratedAt.Before(codes[j].GeneratedAt)
		}
		return codes[i].Code < codes[j].Code
	})
}
