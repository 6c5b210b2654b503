// Package writer buffers events produced on arbitrary goroutines and ships
// them from a single background loop.
//
// A Writer starts idle. The first Write starts the flush loop, which wakes
// on an interval, drains the buffer and hands the batch to a Deliverer. A
// batch reporting a server error widens the interval exponentially up to a
// ceiling; the next clean batch restores the base interval.
//
// The buffer is bounded. When full, the oldest event is evicted to admit the
// new one, so recent events win over completeness. Evictions are counted in
// testvis_writer_events_dropped_total{reason="overflow"}.
//
// Every Write checks the process identity. In a forked child the inherited
// buffer and loop are abandoned and a fresh generation starts, so events
// buffered by the parent are never delivered twice.
package writer
