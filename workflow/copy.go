package workflow

import (
	"context"
	"time"

	"github.com/opsretail/approval-flow/events"
	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/types"
)

// fanOutCopies writes one copy record per configured observer of a node.
// The ledger is purely advisory; a failed write is logged and never blocks
// instance progression.
func (e *ApprovalEngine) fanOutCopies(ctx context.Context, inst *types.ProcessInstance, node *types.NodeSpec) {
	now := time.Now().UnixMilli()
	for _, observer := range node.Observers {
		id, err := e.generate.NextID()
		if err != nil {
			e.logger.WarnContext(ctx, "copy fan-out skipped", "node", node.ID, "observer", observer, "error", err)
			continue
		}
		rec := types.CopyRecord{
			ID:         id,
			InstanceID: inst.ID,
			NodeID:     node.ID,
			ObserverID: observer,
			CreatedAt:  now,
		}
		if err := e.store.SaveCopyRecord(ctx, rec); err != nil {
			e.logger.WarnContext(ctx, "copy fan-out failed", "node", node.ID, "observer", observer, "error", err)
			continue
		}
		e.publishEvent(ctx, events.Event{
			Type:       events.TypeCopyCreated,
			InstanceID: inst.ID,
			NodeID:     node.ID,
			Data:       map[string]interface{}{"observer": observer, "copy_id": rec.ID},
		})
	}
}

// QueryCopyRecords returns an observer's copy records, newest first.
func (e *ApprovalEngine) QueryCopyRecords(ctx context.Context, observerID string, filter storage.CopyFilter) ([]types.CopyRecord, error) {
	return e.store.ListObserverCopies(ctx, observerID, filter)
}

// MarkCopyRead flips one copy record to read. Idempotent.
func (e *ApprovalEngine) MarkCopyRead(ctx context.Context, id uint64) (*types.CopyRecord, error) {
	rec, err := e.store.GetCopyRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsRead {
		return &rec, nil
	}
	rec.IsRead = true
	rec.ReadAt = time.Now().UnixMilli()
	if err := e.store.SaveCopyRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkAllCopiesRead flips every unread copy record of an observer.
// Returns the number of records flipped.
func (e *ApprovalEngine) MarkAllCopiesRead(ctx context.Context, observerID string) (int, error) {
	unread, err := e.store.ListObserverCopies(ctx, observerID, storage.CopyFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	for i, rec := range unread {
		rec.IsRead = true
		rec.ReadAt = now
		if err := e.store.SaveCopyRecord(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(unread), nil
}
