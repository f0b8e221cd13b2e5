package history

import (
	"context"
	"log"

	"github.com/astro-monitor/backend/internal/session"
)

// Recorder drains lifecycle events from the monitor into the store. It runs
// on its own goroutine so slow disk writes never stall the fold loop.
type Recorder struct {
	store  *Store
	events <-chan session.Event
}

func NewRecorder(store *Store, events <-chan session.Event) *Recorder {
	return &Recorder{store: store, events: events}
}

// Run records events until ctx is done or the channel is closed. Write
// failures are logged and skipped.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.events:
			if !ok {
				return
			}
			if err := r.store.Record(ctx, e); err != nil {
				log.Printf("History: failed to record %s: %v", e.Type, err)
			}
		}
	}
}
