package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/state"
)

// SpiderStats aggregates fetch activity attributed to one spider.
type SpiderStats struct {
	Fetched    int64 `json:"fetched"`
	Failed     int64 `json:"failed"`
	Bytes      int64 `json:"bytes"`
	Unroutable int64 `json:"unroutable"`
}

// StatsSink folds fetch events into per-spider counters held in a
// state.Store under "stats:<spider>:<field>" keys.
type StatsSink struct {
	store *state.Store
}

// NewStatsSink constructs a StatsSink writing to store.
func NewStatsSink(store *state.Store) *StatsSink {
	if store == nil {
		store = state.New()
	}
	return &StatsSink{store: store}
}

// Consume collapses the batch into per-spider deltas before touching the
// store.
func (s *StatsSink) Consume(_ context.Context, batch []progress.Event) error {
	deltas := make(map[string]*SpiderStats)
	for _, evt := range batch {
		if evt.Spider == "" {
			continue
		}
		d := deltas[evt.Spider]
		if d == nil {
			d = &SpiderStats{}
			deltas[evt.Spider] = d
		}
		switch evt.Stage {
		case progress.StageFetchDone:
			d.Fetched++
			d.Bytes += evt.Bytes
		case progress.StageFetchError:
			d.Failed++
		case progress.StageUnroutable:
			d.Unroutable++
		}
	}
	for spider, d := range deltas {
		for field, n := range map[string]int64{
			"fetched":    d.Fetched,
			"failed":     d.Failed,
			"bytes":      d.Bytes,
			"unroutable": d.Unroutable,
		} {
			if n == 0 {
				continue
			}
			if _, err := s.store.Incr(statsKey(spider, field), n); err != nil {
				return fmt.Errorf("record %s stats: %w", spider, err)
			}
		}
	}
	return nil
}

// Stats returns the totals recorded for spider. Unknown spiders report zeros.
func (s *StatsSink) Stats(spider string) SpiderStats {
	read := func(field string) int64 {
		n, err := s.store.Counter(statsKey(spider, field))
		if err != nil {
			return 0
		}
		return n
	}
	return SpiderStats{
		Fetched:    read("fetched"),
		Failed:     read("failed"),
		Bytes:      read("bytes"),
		Unroutable: read("unroutable"),
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StatsSink) Close(context.Context) error {
	return nil
}

func statsKey(spider, field string) string {
	return "stats:" + spider + ":" + field
}
