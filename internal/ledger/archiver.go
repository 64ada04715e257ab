package ledger

import (
	"context"
	"log"
)

// Archiver drains ledger records into an Archive in the background.
// Wire its Sink into a Ledger via SetSink and run Run in a goroutine.
type Archiver struct {
	store Archive
	ch    chan *Record
}

func NewArchiver(store Archive, buffer int) *Archiver {
	if buffer <= 0 {
		buffer = 256
	}
	return &Archiver{
		store: store,
		ch:    make(chan *Record, buffer),
	}
}

func (a *Archiver) Sink() chan<- *Record {
	return a.ch
}

// Run archives records until ctx is cancelled. Archive failures are
// logged and skipped; the mirror never retries.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.ch:
			if err := a.store.LogRecord(ctx, r); err != nil {
				log.Printf("archiver: failed to store record for %s: %v", r.Provider, err)
			}
		}
	}
}
