package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEventType names an audit event; each maps to one Mangle predicate.
type AuditEventType string

const (
	// Grounding -> grounding_event/5
	AuditGroundingComplete AuditEventType = "grounding_complete"

	// Optimization -> inference_run/6
	AuditOptimizeComplete AuditEventType = "optimize_complete"
	AuditOptimizeCanceled AuditEventType = "optimize_canceled"

	// Weight changes -> reweight_event/4
	AuditReweight AuditEventType = "reweight"

	// Atom database -> store_event/4
	AuditAtomsImported AuditEventType = "atoms_imported"
	AuditTargetsSaved  AuditEventType = "targets_saved"

	// Errors -> error_event/4
	AuditError AuditEventType = "error"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	Category   string         `json:"cat"`
	RunID      string         `json:"run,omitempty"`
	Target     string         `json:"target,omitempty"` // model path, rule name or database
	State      string         `json:"state,omitempty"`
	Count      int            `json:"count"`
	Value      float64        `json:"value"`
	DurationMs int64          `json:"dur_ms"`
	Error      string         `json:"error,omitempty"`
	MangleFact string         `json:"mangle"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events scoped to one run.
type AuditLogger struct {
	runID    string
	category Category
}

// InitAudit opens path for appending. Events are dropped until it is called.
func InitAudit(path string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRun scopes events to an inference run.
func AuditWithRun(runID string, category Category) *AuditLogger {
	return &AuditLogger{runID: runID, category: category}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	event.MangleFact = generateMangleFact(event)

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.Write(append(data, '\n'))
	}
}

// generateMangleFact renders an event as a Mangle fact.
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditGroundingComplete:
		return fmt.Sprintf("grounding_event(%d, \"%s\", %d, %d, %d).",
			e.Timestamp, escapeString(e.Target), e.Count, int64(e.Value), e.DurationMs)

	case AuditOptimizeComplete, AuditOptimizeCanceled:
		return fmt.Sprintf("inference_run(%d, /%s, \"%s\", /%s, %d, %g).",
			e.Timestamp, e.EventType, e.RunID, e.State, e.Count, e.Value)

	case AuditReweight:
		return fmt.Sprintf("reweight_event(%d, \"%s\", %g, %d).",
			e.Timestamp, escapeString(e.Target), e.Value, e.Count)

	case AuditAtomsImported, AuditTargetsSaved:
		return fmt.Sprintf("store_event(%d, /%s, \"%s\", %d).",
			e.Timestamp, e.EventType, escapeString(e.Target), e.Count)

	default:
		return fmt.Sprintf("error_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Error))
	}
}

func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Grounded logs a finished grounding pass: rules and terms produced.
func (a *AuditLogger) Grounded(model string, rules, terms int, duration time.Duration) {
	a.Log(AuditEvent{
		EventType:  AuditGroundingComplete,
		Category:   string(CategoryGrounding),
		Target:     model,
		Count:      rules,
		Value:      float64(terms),
		DurationMs: duration.Milliseconds(),
	})
}

// Optimized logs the end of a solver run.
func (a *AuditLogger) Optimized(state string, iterations int, objective float64, duration time.Duration) {
	a.Log(AuditEvent{
		EventType:  AuditOptimizeComplete,
		Category:   string(CategoryADMM),
		State:      state,
		Count:      iterations,
		Value:      objective,
		DurationMs: duration.Milliseconds(),
	})
}

// Canceled logs a solver run stopped by its context.
func (a *AuditLogger) Canceled(iterations int, err error) {
	a.Log(AuditEvent{
		EventType: AuditOptimizeCanceled,
		Category:  string(CategoryADMM),
		State:     "canceled",
		Count:     iterations,
		Error:     err.Error(),
	})
}

// Reweighted logs a template weight change and how many ground rules it reached.
func (a *AuditLogger) Reweighted(rule string, weight float64, groundRules int) {
	a.Log(AuditEvent{
		EventType: AuditReweight,
		Category:  string(CategoryTermStore),
		Target:    rule,
		Value:     weight,
		Count:     groundRules,
	})
}

// StoreEvent logs an atom database write.
func (a *AuditLogger) StoreEvent(eventType AuditEventType, database string, atoms int) {
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryStore),
		Target:    database,
		Count:     atoms,
	})
}

// Error logs a failure.
func (a *AuditLogger) Error(category Category, err error) {
	a.Log(AuditEvent{
		EventType: AuditError,
		Category:  string(category),
		Error:     err.Error(),
	})
}
