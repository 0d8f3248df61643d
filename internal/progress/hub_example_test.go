package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

// stageLog records the stages it sees for one spider.
type stageLog struct {
	spider string
	stages []progress.Stage
}

func (l *stageLog) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Spider == l.spider {
			l.stages = append(l.stages, evt.Stage)
		}
	}
	return nil
}

func (*stageLog) Close(context.Context) error { return nil }

// ExampleHub_Emit follows one spider from start to done. Close flushes the
// batch still buffered.
func ExampleHub_Emit() {
	log := &stageLog{spider: "quotes"}
	hub := progress.NewHub(progress.Config{
		BufferSize:     8,
		MaxBatchEvents: 8,
		MaxBatchWait:   time.Minute,
	}, log)

	ts := time.Unix(0, 0)
	hub.Emit(progress.Event{Spider: "quotes", TS: ts, Stage: progress.StageSpiderStart})
	hub.Emit(progress.Event{
		Spider:      "quotes",
		TS:          ts,
		Stage:       progress.StageFetchDone,
		Site:        progress.SiteOf("https://Quotes.Example/page/1"),
		StatusClass: progress.Status2xx,
	})
	hub.Emit(progress.Event{Spider: "quotes", TS: ts, Stage: progress.StageSpiderDrain})
	hub.Emit(progress.Event{Spider: "quotes", TS: ts, Stage: progress.StageSpiderDone})
	// Invalid events never reach sinks.
	hub.Emit(progress.Event{TS: ts, Stage: progress.StageSpiderDone})

	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(log.stages)
	// Output:
	// [SPIDER_START FETCH_DONE SPIDER_DRAIN SPIDER_DONE]
}
