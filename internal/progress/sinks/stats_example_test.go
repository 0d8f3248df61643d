package sinks_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
	"github.com/JakeFAU/crawlengine/internal/state"
)

// ExampleStatsSink totals one spider's fetches behind a Hub, the way the
// status API reads them.
func ExampleStatsSink() {
	stats := sinks.NewStatsSink(state.New())
	hub := progress.NewHub(progress.Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, stats)

	ts := time.Unix(0, 0)
	for _, bytes := range []int64{512, 1024} {
		hub.Emit(progress.Event{
			Spider:      "quotes",
			TS:          ts,
			Stage:       progress.StageFetchDone,
			Site:        "quotes.example",
			StatusClass: progress.Status2xx,
			Bytes:       bytes,
		})
	}
	hub.Emit(progress.Event{Spider: "quotes", TS: ts, Stage: progress.StageFetchError, Site: "quotes.example"})
	hub.Emit(progress.Event{Spider: "ghost", TS: ts, Stage: progress.StageUnroutable})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	q := stats.Stats("quotes")
	fmt.Printf("quotes: fetched=%d failed=%d bytes=%d\n", q.Fetched, q.Failed, q.Bytes)
	fmt.Printf("ghost: unroutable=%d\n", stats.Stats("ghost").Unroutable)
	// Output:
	// quotes: fetched=2 failed=1 bytes=1536
	// ghost: unroutable=1
}
