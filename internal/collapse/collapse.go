// Package collapse prepares a raw wallet event stream for ledger replay:
// structural validation, duplicate elimination, canonical ordering, and
// self-fill (wash trade) collapse. It must run before any cost-basis math;
// collapsing afterwards would already have polluted the average cost.
package collapse

import (
	"sort"

	"github.com/veridex/pnl-engine/internal/model"
)

// Stats counts what Normalize removed from the stream. Everything here is a
// data-gap diagnostic, never an error.
type Stats struct {
	Invalid    int // structurally unsound events (unknown type, no market, bad price)
	Duplicates int // byte-identical backfill copies, deduplicated by sourceId
	SelfFills  int // maker-side records dropped by self-fill collapse
}

// Normalize returns the clean, ordered event sequence ready for the ledger.
// Order of operations is load-bearing: validation, then sourceId dedup, then
// sort, then self-fill collapse. Dedup must precede collapse so that a
// duplicated maker record is counted once as a duplicate, not twice as a
// self-fill.
func Normalize(events []model.PositionEvent) ([]model.PositionEvent, Stats) {
	var stats Stats

	valid := make([]model.PositionEvent, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			stats.Invalid++
			continue
		}
		valid = append(valid, ev)
	}

	// Backfills can replay byte-identical records; keep the first occurrence
	// per sourceId (duplicates are bitwise identical, so the choice is
	// arbitrary). Events without a sourceId are never merged.
	seen := make(map[string]bool, len(valid))
	deduped := valid[:0]
	for _, ev := range valid {
		if ev.SourceID != "" {
			if seen[ev.SourceID] {
				stats.Duplicates++
				continue
			}
			seen[ev.SourceID] = true
		}
		deduped = append(deduped, ev)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Before(deduped[j])
	})

	collapsed := collapseSelfFills(deduped, &stats)
	return collapsed, stats
}

// fillGroup identifies the records of one transaction touching one position
// key. Self-fills only ever pair up inside such a group.
type fillGroup struct {
	txHash       string
	wallet       string
	marketID     string
	outcomeIndex int
}

func groupOf(ev model.PositionEvent) fillGroup {
	return fillGroup{
		txHash:       ev.TxHash,
		wallet:       ev.Wallet,
		marketID:     ev.MarketID,
		outcomeIndex: ev.OutcomeIndex,
	}
}

// collapseSelfFills removes wash-trade duplication: when a wallet appears on
// both maker and taker roles of offsetting legs within one transaction, only
// the taker-side record survives. Opposite-direction trades in separate
// transactions are economically real and untouched.
func collapseSelfFills(events []model.PositionEvent, stats *Stats) []model.PositionEvent {
	// First pass: record the inventory directions of taker-side fills per
	// transaction group.
	takerDirs := make(map[fillGroup]map[int]bool)
	for _, ev := range events {
		if ev.TxHash == "" || ev.Role != model.RoleTaker {
			continue
		}
		sign := ev.InventorySign()
		if sign == 0 {
			continue
		}
		g := groupOf(ev)
		if takerDirs[g] == nil {
			takerDirs[g] = make(map[int]bool, 2)
		}
		takerDirs[g][sign] = true
	}

	// Second pass: drop maker-side records that offset a taker in the same
	// group.
	out := events[:0]
	for _, ev := range events {
		if ev.TxHash != "" && ev.Role == model.RoleMaker {
			sign := ev.InventorySign()
			if sign != 0 && takerDirs[groupOf(ev)][-sign] {
				stats.SelfFills++
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
