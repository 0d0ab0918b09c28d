package engine

import (
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// DiffResult partitions a device's managed flows into the ops that bring the
// device in line with its desired set.
type DiffResult struct {
	DeviceID string `json:"device_id"`

	// Ops holds every delete before every add.
	Ops []FlowOp `json:"ops"`

	// Added counts adds of flows missing from the device.
	Added int `json:"added"`

	// Removed counts deletes of flows with no desired record.
	Removed int `json:"removed"`

	// Replaced counts desired flows whose observed variant differs and is
	// swapped out (one delete plus one add each).
	Replaced int `json:"replaced"`

	// Unchanged lists desired records already present exactly on the device.
	Unchanged []*flows.Record `json:"unchanged"`
}

// Empty reports whether the device is already consistent.
func (d *DiffResult) Empty() bool {
	return len(d.Ops) == 0
}

// managed reports whether the engine owns a flow: table 0 and not reserved.
func managed(f flows.Flow) bool {
	return f.TableID == flows.ManagedTable && !f.Reserved()
}

// Diff compares the stored records of a device with the flows observed on it.
// Only desired records and managed observed flows take part. A desired flow
// whose identity is present with different fields is replaced, never modified
// in place. When several desired records share a slot, only the latest is
// applied. Diff does no I/O.
func Diff(deviceID string, records []*flows.Record, observed []flows.Observed) *DiffResult {
	result := &DiffResult{DeviceID: deviceID}

	// Observed flows by identity, keeping device order.
	byKey := make(map[string][]flows.Flow)
	var order []string
	for _, o := range observed {
		if !managed(o.Flow) {
			continue
		}
		k := o.Key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], o.Flow)
	}

	desired := make(map[string]*flows.Record)
	for _, rec := range records {
		if rec.DeviceID == deviceID && rec.State.Desired() && managed(rec.Flow) {
			desired[rec.Flow.Slot()] = rec
		}
	}

	var deletes, adds []FlowOp
	seen := make(map[string]bool)

	for _, rec := range records {
		if desired[rec.Flow.Slot()] != rec {
			continue
		}
		k := rec.Flow.Key()
		if seen[k] {
			continue
		}
		seen[k] = true

		variants := byKey[k]
		match := -1
		for i, v := range variants {
			if v.Equal(rec.Flow) {
				match = i
				break
			}
		}

		for i, v := range variants {
			if i == match {
				continue
			}
			deletes = append(deletes, FlowOp{Type: OpDelete, Flow: v})
			if match >= 0 {
				result.Removed++
			}
		}

		if match >= 0 {
			result.Unchanged = append(result.Unchanged, rec)
			continue
		}

		if len(variants) > 0 {
			result.Replaced++
		} else {
			result.Added++
		}
		adds = append(adds, FlowOp{Type: OpAdd, Flow: rec.Flow.Clone(), RecordID: rec.ID})
	}

	for _, k := range order {
		if seen[k] {
			continue
		}
		for _, v := range byKey[k] {
			deletes = append(deletes, FlowOp{Type: OpDelete, Flow: v})
			result.Removed++
		}
	}

	result.Ops = append(deletes, adds...)
	return result
}
