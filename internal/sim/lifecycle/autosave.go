package lifecycle

import "container/heap"

type autosaveEntry struct {
	rec  *Record
	tick int64
	seq  uint64
}

// autosaveQueue orders resident records by the tick they were last saved.
type autosaveQueue struct {
	items []autosaveEntry
	seq   uint64
}

func (q *autosaveQueue) Len() int { return len(q.items) }
func (q *autosaveQueue) Less(i, j int) bool {
	if q.items[i].tick != q.items[j].tick {
		return q.items[i].tick < q.items[j].tick
	}
	return q.items[i].seq < q.items[j].seq
}
func (q *autosaveQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *autosaveQueue) Push(x any)    { q.items = append(q.items, x.(autosaveEntry)) }
func (q *autosaveQueue) Pop() any {
	n := len(q.items)
	e := q.items[n-1]
	q.items[n-1] = autosaveEntry{}
	q.items = q.items[:n-1]
	return e
}

func (c *Coordinator) pushAutosave(rec *Record, tick int64) {
	if rec.inAutosave {
		return
	}
	rec.inAutosave = true
	c.autosave.seq++
	heap.Push(&c.autosave, autosaveEntry{rec: rec, tick: tick, seq: c.autosave.seq})
}

// runAutosave saves records whose last save is older than the period, at
// most AutosaveBudget writes per tick. Records still being generated leave
// the queue and come back with their old timestamp once idle, so they keep
// their place ahead of tiles saved more recently.
func (c *Coordinator) runAutosave() int {
	if c.cfg.AutosavePeriod <= 0 || c.cfg.AutosaveBudget <= 0 {
		return 0
	}
	writes := 0
	for c.autosave.Len() > 0 && writes < c.cfg.AutosaveBudget {
		head := c.autosave.items[0]
		if head.tick+c.cfg.AutosavePeriod > c.tick {
			break
		}
		heap.Pop(&c.autosave)
		rec := head.rec
		rec.inAutosave = false
		if rec.state != Active {
			continue
		}
		if rec.busy() {
			rec.autosaveDeferred = true
			continue
		}
		t := rec.Tile()
		if t == nil || !t.Dirty() {
			rec.lastSaveTick = c.tick
			c.pushAutosave(rec, c.tick)
			continue
		}
		c.save(rec, priorityAutosave)
		writes++
	}
	return writes
}
