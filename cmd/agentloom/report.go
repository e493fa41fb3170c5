package main

import (
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/rendis/agentloom/internal/engine"
)

// runReport is the JSON document printed after each run.
type runReport struct {
	Workflow         string                      `json:"workflow,omitempty"`
	SessionID        string                      `json:"session_id"`
	SessionRun       int                         `json:"session_run"`
	SessionExpiresAt *time.Time                  `json:"session_expires_at,omitempty"`
	RunID            string                      `json:"run_id"`
	Succeeded        bool                        `json:"succeeded"`
	Completed        []string                    `json:"completed"`
	Failed           map[string]string           `json:"failed,omitempty"`
	RolledBack       []string                    `json:"rolled_back,omitempty"`
	States           map[string]engine.NodeState `json:"states"`
	Duration         string                      `json:"duration"`
	Results          map[string]any              `json:"results,omitempty"`
}

func newRunReport(workflow, sessionID string, s *engine.RunSummary) *runReport {
	r := &runReport{
		Workflow:   workflow,
		SessionID:  sessionID,
		RunID:      s.RunID,
		Succeeded:  s.Succeeded(),
		Completed:  append([]string{}, s.Completed...),
		RolledBack: s.RolledBack,
		States:     s.States,
	}
	if len(s.Failed) > 0 {
		r.Failed = make(map[string]string, len(s.Failed))
		for id, err := range s.Failed {
			r.Failed[id] = err.Error()
		}
	}
	if s.FinishedAt != nil {
		r.Duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
	}
	return r
}

// failedNodes lists failed node IDs in a stable order.
func (r *runReport) failedNodes() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *runReport) write(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
