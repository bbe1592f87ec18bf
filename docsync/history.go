package docsync

import (
	"context"
	"slices"

	"github.com/golang/glog"
)

// the slice of the session manager the reconciler needs
type historyQuerier interface {
	Query(ctx context.Context, filter *Filter) ([]*Event, error)
}

// (event, envelope). Applies one decoded envelope to the document.
type ImportFunction func(event *Event, envelope *SyncEnvelope) error

type HistoryReconcilerSettings struct {
	SnapshotQueryLimit int
	UpdateQueryLimit   int
}

func DefaultHistoryReconcilerSettings() *HistoryReconcilerSettings {
	return &HistoryReconcilerSettings{
		SnapshotQueryLimit: 1,
		UpdateQueryLimit:   100,
	}
}

// on (re)connect, fetches the latest snapshot plus the incremental
// updates for a room and applies them in order. Import is commutative
// and idempotent, so order among updates does not affect convergence,
// but applying the snapshot first avoids replaying operations already
// folded into it.
type HistoryReconciler struct {
	querier  historyQuerier
	settings *HistoryReconcilerSettings
}

func NewHistoryReconciler(querier historyQuerier, settings *HistoryReconcilerSettings) *HistoryReconciler {
	return &HistoryReconciler{
		querier:  querier,
		settings: settings,
	}
}

// a fetch level failure is returned. A decode or import failure on a
// single event is logged and skipped, and never aborts the rest.
func (self *HistoryReconciler) Reconcile(ctx context.Context, roomId string, importEnvelope ImportFunction) error {
	snapshotEvents, snapshotErr := self.querier.Query(ctx, &Filter{
		Kinds:  []int{KindSnapshot},
		RoomId: roomId,
		Limit:  self.settings.SnapshotQueryLimit,
	})
	updateEvents, updateErr := self.querier.Query(ctx, &Filter{
		Kinds:  []int{KindUpdate},
		RoomId: roomId,
		Limit:  self.settings.UpdateQueryLimit,
	})
	if snapshotErr != nil && updateErr != nil {
		return snapshotErr
	}
	if snapshotErr != nil {
		glog.Infof("[h]snapshot query error = %s\n", snapshotErr)
	}
	if updateErr != nil {
		glog.Infof("[h]update query error = %s\n", updateErr)
	}

	events := []*Event{}
	events = append(events, snapshotEvents...)
	events = append(events, updateEvents...)
	slices.SortStableFunc(events, func(a *Event, b *Event) int {
		if a.CreatedAt < b.CreatedAt {
			return -1
		} else if b.CreatedAt < a.CreatedAt {
			return 1
		} else {
			return 0
		}
	})

	// a snapshot supersedes all older update fragments, so it is
	// applied first regardless of its position in the sorted order
	applyCount := 0
	for _, event := range events {
		if event.Kind == KindSnapshot {
			if self.apply(event, importEnvelope) {
				applyCount += 1
			}
		}
	}
	for _, event := range events {
		if event.Kind != KindSnapshot {
			if self.apply(event, importEnvelope) {
				applyCount += 1
			}
		}
	}

	glog.V(2).Infof("[h]reconciled %s applied=%d/%d\n", roomId, applyCount, len(events))
	return nil
}

func (self *HistoryReconciler) apply(event *Event, importEnvelope ImportFunction) bool {
	envelope, err := DecodeEnvelope(event.Content)
	if err != nil {
		glog.Infof("[h]decode error %s = %s\n", event.Id, err)
		return false
	}
	if err := importEnvelope(event, envelope); err != nil {
		glog.Infof("[h]import error %s = %s\n", event.Id, err)
		return false
	}
	return true
}
