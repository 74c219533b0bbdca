package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
)

// Appender is the append/read pair of audit operations that Log implements.
// The kernel itself writes audit records through storage.Store.AppendAudit.
type Appender interface {
	Append(r Record) (Record, error)
	Records(workflowID string) ([]Record, error)
}

// Log is an in-memory, HMAC-chained append-only audit trail, used by the
// in-memory Store and by tests. The Postgres-backed store does not use Log;
// it keeps its chain in the audit_records table, signed with the same
// CanonicalPayload.
type Log struct {
	signer *crypto.Signer
	mu     sync.Mutex
	seq    int64
	byWF   map[string][]Record
}

// NewLog constructs a Log signing records with signer.
func NewLog(signer *crypto.Signer) *Log {
	return &Log{signer: signer, byWF: make(map[string][]Record)}
}

// Append signs r against the chain head for r.WorkflowID and stores it.
func (l *Log) Append(r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.byWF[r.WorkflowID]
	prevHash := ZeroHash
	if len(history) > 0 {
		prevHash = history[len(history)-1].Signature
	}

	l.seq++
	r.Seq = l.seq
	r.PrevHash = prevHash
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Signature = l.signer.Sign(CanonicalPayload(r))

	l.byWF[r.WorkflowID] = append(history, r)
	return r, nil
}

// Records returns the full, ordered chain for a workflow.
func (l *Log) Records(workflowID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.byWF[workflowID]))
	copy(out, l.byWF[workflowID])
	return out, nil
}

// Verify walks records in order, recomputing each signature against the
// declared prev_hash chain. It reports the first record whose signature or
// chain linkage fails to verify.
func Verify(signer *crypto.Signer, records []Record) error {
	prevHash := ZeroHash
	for i, r := range records {
		if r.PrevHash != prevHash {
			return fmt.Errorf("audit record %d (seq %d): prev_hash mismatch: chain broken", i, r.Seq)
		}
		if !signer.Verify(CanonicalPayload(r), r.Signature) {
			return fmt.Errorf("audit record %d (seq %d): signature verification failed", i, r.Seq)
		}
		prevHash = r.Signature
	}
	return nil
}
