package engine

import (
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// dueEntries returns the entries eligible for the current poll cycle,
// ordered by how overdue they are (oldest first) so starvation cannot
// occur when cycles are short.
func dueEntries(polls map[string]*pollEntry, now time.Time, freshness time.Duration) []*pollEntry {
	var due []*pollEntry
	for _, e := range polls {
		if e.due(now, freshness) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].nextDue.Before(due[j].nextDue)
	})
	return due
}

// splitQueryable partitions due entries into GET-able namespaces and
// push-only ones. Push-only namespaces (no GET support, push advertised,
// whether known from the catalog or learned from a rejected GET) are
// queried with a PUSH-method request; the device answers with an
// unsolicited PUSH carrying the state.
func splitQueryable(due []*pollEntry) (gets, pushOnly []*pollEntry) {
	for _, e := range due {
		noGet := e.getUnsupported || (e.ns.HasGet != nil && !*e.ns.HasGet)
		if noGet {
			if e.ns.HasPush == nil || *e.ns.HasPush {
				pushOnly = append(pushOnly, e)
			}
			continue
		}
		gets = append(gets, e)
	}
	return gets, pushOnly
}

// batchEntries groups GET-able entries into batches of at most maxCmdNum
// for Appliance.Control.Multiple. A maxCmdNum below 2 disables batching:
// every entry rides alone and the caller issues plain GETs.
func batchEntries(gets []*pollEntry, maxCmdNum int) [][]*pollEntry {
	if len(gets) == 0 {
		return nil
	}
	if maxCmdNum < 2 {
		batches := make([][]*pollEntry, 0, len(gets))
		for _, e := range gets {
			batches = append(batches, []*pollEntry{e})
		}
		return batches
	}
	var batches [][]*pollEntry
	for len(gets) > 0 {
		n := maxCmdNum
		if n > len(gets) {
			n = len(gets)
		}
		batches = append(batches, gets[:n])
		gets = gets[n:]
	}
	return batches
}

// batchRequests builds the Multiple sub-requests for one batch.
func batchRequests(batch []*pollEntry) ([]protocol.SubRequest, error) {
	subs := make([]protocol.SubRequest, 0, len(batch))
	for _, e := range batch {
		sub, err := protocol.NewSubRequest(e.ns.Name, protocol.MethodGet, e.ns.GetPayload())
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
