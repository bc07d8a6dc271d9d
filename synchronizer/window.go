package synchronizer

import (
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
)

// rollbackWindow retains the snapshots of the last size blocks plus the
// head, oldest first.
type rollbackWindow struct {
	size      int
	snapshots []*market.Snapshot
}

func newRollbackWindow(size int) *rollbackWindow {
	return &rollbackWindow{size: size}
}

func (w *rollbackWindow) reset(head *market.Snapshot) {
	w.snapshots = []*market.Snapshot{head}
}

func (w *rollbackWindow) push(s *market.Snapshot) {
	w.snapshots = append(w.snapshots, s)
	if over := len(w.snapshots) - (w.size + 1); over > 0 {
		clear(w.snapshots[:over])
		w.snapshots = w.snapshots[over:]
	}
}

func (w *rollbackWindow) oldest() (market.BlockRef, bool) {
	if len(w.snapshots) == 0 {
		return market.BlockRef{}, false
	}
	return w.snapshots[0].Block(), true
}

// rewind drops every snapshot after the one at ancestor and returns it along
// with the dropped snapshots. An empty ancestor hash matches by number only.
func (w *rollbackWindow) rewind(ancestor market.BlockRef) (*market.Snapshot, []*market.Snapshot, bool) {
	for i := len(w.snapshots) - 1; i >= 0; i-- {
		s := w.snapshots[i]
		if s.Block().Number != ancestor.Number {
			continue
		}
		if ancestor.Hash != (common.Hash{}) && s.Block().Hash != ancestor.Hash {
			return nil, nil, false
		}
		dropped := append([]*market.Snapshot(nil), w.snapshots[i+1:]...)
		w.snapshots = w.snapshots[:i+1]
		return s, dropped, true
	}
	return nil, nil, false
}

func (w *rollbackWindow) len() int {
	return len(w.snapshots)
}
