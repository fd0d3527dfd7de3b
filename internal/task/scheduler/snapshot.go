package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]jobDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]JobInfo, 0, len(defs))
	for _, d := range defs {
		it := JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			State:   State(d.rt.state.Load()).String(),
			Timeout: d.opt.Timeout,
			Runs:    d.rt.runs.Load(),
			Skipped: d.rt.skipped.Load(),
			Failed:  d.rt.failed.Load(),
		}
		d.rt.mu.Lock()
		it.LastRun = d.rt.lastRun
		it.LastTook = d.rt.lastTook
		it.LastErr = d.rt.lastErr
		d.rt.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return Snapshot{Enabled: enabled, Running: c != nil, Timezone: tz, Jobs: items}
}
