package mesh

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxRuns bounds how many run snapshots the tracker keeps.
const DefaultMaxRuns = 50

// RunSnapshot is what the HTTP views need about one registration run.
// Source is the input cloud before any guess, Aligned the registered output.
type RunSnapshot struct {
	Report  RegistrationReport
	Trace   []IterationStats
	Source  Cloud[XYZ]
	Aligned Cloud[XYZ]
	Target  Cloud[XYZ]
	Color   string
}

// StateTracker keeps the latest clouds per topic and recent registration
// runs for the HTTP endpoints.
type StateTracker struct {
	mu       sync.RWMutex
	clouds   map[string]*CloudDocument
	received map[string]time.Time
	colors   map[string]string // pair ID -> hex color
	runs     map[string]*RunSnapshot
	order    []string          // run IDs, oldest first
	latest   map[string]string // pair ID -> run ID
	maxRuns  int
}

// NewStateTracker creates a tracker keeping at most maxRuns snapshots
// (DefaultMaxRuns when maxRuns <= 0). The latest run of every pair is
// always kept.
func NewStateTracker(maxRuns int) *StateTracker {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &StateTracker{
		clouds:   make(map[string]*CloudDocument),
		received: make(map[string]time.Time),
		colors:   make(map[string]string),
		runs:     make(map[string]*RunSnapshot),
		latest:   make(map[string]string),
		maxRuns:  maxRuns,
	}
}

// SetColor sets the preview color for a pair
func (st *StateTracker) SetColor(pairID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[pairID] = hexColor
}

// Color returns the pair's color, red when none was set.
func (st *StateTracker) Color(pairID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[pairID]; c != "" {
		return c
	}
	return "#FF0000"
}

// UpdateCloud stores the latest cloud received on a topic
func (st *StateTracker) UpdateCloud(topic string, doc *CloudDocument) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.clouds[topic] = doc
	st.received[topic] = time.Now()
}

// GetCloud returns the latest cloud of a topic
func (st *StateTracker) GetCloud(topic string) (*CloudDocument, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	doc, ok := st.clouds[topic]
	return doc, ok
}

// CloudTopics returns the topics with a stored cloud and when each arrived.
func (st *StateTracker) CloudTopics() map[string]time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]time.Time, len(st.received))
	for k, v := range st.received {
		out[k] = v
	}
	return out
}

// RecordRun stores a snapshot and makes it the pair's latest run. Beyond
// the size limit the oldest snapshots that are no pair's latest are evicted.
func (st *StateTracker) RecordRun(snap *RunSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	id := snap.Report.RunID
	if _, exists := st.runs[id]; !exists {
		st.order = append(st.order, id)
	}
	st.runs[id] = snap
	st.latest[snap.Report.PairID] = id

	for len(st.order) > st.maxRuns {
		evicted := false
		for i, old := range st.order {
			if st.latest[st.runs[old].Report.PairID] == old {
				continue
			}
			delete(st.runs, old)
			st.order = append(st.order[:i], st.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
}

// GetRun returns a snapshot by run ID
func (st *StateTracker) GetRun(runID string) (*RunSnapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	snap, ok := st.runs[runID]
	return snap, ok
}

// LatestRun returns the most recent snapshot of a pair
func (st *StateTracker) LatestRun(pairID string) (*RunSnapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.latest[pairID]
	if !ok {
		return nil, false
	}
	return st.runs[id], true
}

// Reports returns the kept reports, newest first.
func (st *StateTracker) Reports() []RegistrationReport {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]RegistrationReport, 0, len(st.order))
	for i := len(st.order) - 1; i >= 0; i-- {
		out = append(out, st.runs[st.order[i]].Report)
	}
	return out
}

// LatestReports returns the latest report of every pair, sorted by pair ID.
func (st *StateTracker) LatestReports() []RegistrationReport {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]RegistrationReport, 0, len(st.latest))
	for _, id := range st.latest {
		out = append(out, st.runs[id].Report)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}
