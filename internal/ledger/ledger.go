package ledger

import (
	"sync"
	"time"
)

// Record is one logged dispatch outcome. Exactly one of a non-empty
// ResponseText or a set Error describes the terminal outcome (a failed
// dispatch still carries "Error: <message>" as visible text, with Error
// flagging it). TokensUsed is 0 unless the backend reported usage.
type Record struct {
	Provider     string    `json:"provider"`
	Query        string    `json:"query"`
	ResponseText string    `json:"response"`
	Timestamp    time.Time `json:"timestamp"`
	ModelLabel   string    `json:"model"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type Stats struct {
	TotalQueries   int            `json:"total_queries"`
	ProviderCounts map[string]int `json:"provider_counts"`
	TotalTokens    int            `json:"total_tokens_used"`
	ErrorCount     int            `json:"error_count"`
	ErrorRate      float64        `json:"error_rate"`
}

// Ledger is an append-only in-memory log of every dispatch. Records are
// never mutated or evicted; growth is unbounded by design and capping
// it is the owner's concern. An optional sink receives each appended
// record best effort for external archival.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	sink    chan<- *Record
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// SetSink attaches a mirror channel. Appends push to it non-blocking:
// a full sink drops the mirror copy rather than stalling a dispatch.
func (l *Ledger) SetSink(sink chan<- *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *Ledger) Append(r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if l.sink != nil {
		select {
		case l.sink <- r:
		default:
		}
	}
}

// Records returns a snapshot copy of the log.
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) Stats() *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{
		TotalQueries:   len(l.records),
		ProviderCounts: make(map[string]int),
	}
	for _, r := range l.records {
		stats.ProviderCounts[r.Provider]++
		if r.TokensUsed > 0 {
			stats.TotalTokens += r.TokensUsed
		}
		if r.Error != "" {
			stats.ErrorCount++
		}
	}
	if stats.TotalQueries > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.TotalQueries)
	}
	return stats
}
