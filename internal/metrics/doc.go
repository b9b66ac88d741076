// Package metrics exposes the coordinator's membership state and protocol
// activity as Prometheus series.
//
// Series (namespace "muster" by default):
//
//	groups                         gauge   number of work groups
//	group_members{group}           gauge   registered agents per group
//	assignments_total{group}       counter agents assigned by rendezvous
//	departures_total{group}        counter graceful DISCONNECTs
//	evictions_total{group}         counter agents swept by the detector
//	pongs_total{result}            counter accepted, late or unknown PONGs
//	dropped_messages_total{action} counter messages skipped on lock contention
//	send_failures_total{action}    counter transport send errors
//	ping_rounds_total             counter completed mark/ping/sweep cycles
//	ping_round_duration_seconds   histogram
package metrics
