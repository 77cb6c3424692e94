// Package reconcile matches calendar events from two sources, detects
// field-level conflicts between matched pairs and resolves them with a
// configured strategy.
//
// Source A is the authoritative calendar (the one calnotify reports on);
// source B is a mirror of it. A pair matches when the weighted similarity of
// title, start time and location reaches the threshold, or when one record
// carries the other's id as its linkage id.
//
// A detected conflict is either resolved automatically or routed to manual
// review; the strategy and the severity of the conflict decide which.
package reconcile
