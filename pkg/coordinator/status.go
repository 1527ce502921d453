package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable"
)

// Status describes the locks of req.EventIDs relative to req.Identity. With
// no event ids it describes every lock of the namespace. Failing to read the
// table returns an error wrapping locktable.ErrStorage.
func (c *Coordinator) Status(ctx context.Context, req Request) (Response, error) {
	records, err := c.table.List(ctx, locktable.NamespaceFor(req.Practice))
	if err != nil {
		return Response{Message: "Unable to read the lock table"}, locktable.StorageError("list", err)
	}

	resp := Response{Success: true}

	if len(req.EventIDs) == 0 {
		resp.Payload = make([]string, 0, len(records))
		resp.LockInfo = make(map[string]LockInfo, len(records))

		for _, rec := range records {
			resp.Payload = append(resp.Payload, rec.ResourceID)
			resp.LockInfo[rec.ResourceID] = statusFor(ctx, req.Identity, rec)
		}

		return resp, nil
	}

	byID := make(map[string]locktable.Record, len(records))
	for _, rec := range records {
		byID[rec.ResourceID] = rec
	}

	resp.Payload = make([]string, 0, len(req.EventIDs))
	resp.LockInfo = make(map[string]LockInfo, len(req.EventIDs))

	for _, id := range req.EventIDs {
		resp.Payload = append(resp.Payload, id)

		rec, ok := byID[id]
		if !ok {
			resp.LockInfo[id] = LockInfo{Status: StatusLockable}

			continue
		}

		resp.LockInfo[id] = statusFor(ctx, req.Identity, rec)
	}

	return resp, nil
}

// OrphanCheck deletes every lock of the namespace whose owner is not a live
// connection and announces the deletions with one UNLOCK broadcast. The owner
// must match a connection exactly, thread included. When another coordinator
// is already checking, the call succeeds without touching the table.
func (c *Coordinator) OrphanCheck(ctx context.Context, practice bool) (Response, error) {
	ns := locktable.NamespaceFor(practice)

	ctx = zerolog.Ctx(ctx).With().Str("namespace", ns.String()).Logger().WithContext(ctx)

	if c.sweepLocker != nil {
		key := "orphan-check:" + ns.String()

		acquired, err := c.sweepLocker.TryLock(ctx, key, c.sweepLockTTL)
		if err != nil {
			return Response{Message: "Unable to coordinate the orphan check"},
				fmt.Errorf("%w: sweep lock: %w", ErrCommunication, err)
		}

		if !acquired {
			zerolog.Ctx(ctx).Debug().Msg(MessageOrphanCheckRunning)

			return Response{Success: true, Message: MessageOrphanCheckRunning, Payload: []string{}}, nil
		}

		defer func() {
			if err := c.sweepLocker.Unlock(ctx, key); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to release the orphan check lock")
			}
		}()
	}

	// the records are read first so an owner that connects and locks in
	// between is in the connection set
	records, err := c.table.List(ctx, ns)
	if err != nil {
		return Response{Message: "Unable to read the lock table"}, locktable.StorageError("list", err)
	}

	connections, err := c.connections.Connections(ctx)
	if err != nil {
		return Response{Message: "Unable to list the connected workstations"},
			fmt.Errorf("%w: connection registry: %w", ErrCommunication, err)
	}

	deleted := make([]string, 0)

	for _, rec := range records {
		if _, live := connections[rec.Owner]; live {
			continue
		}

		ok, err := c.table.Delete(ctx, ns, rec.ResourceID)
		if err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("event_id", rec.ResourceID).
				Str("owner", rec.Owner).
				Msg("unable to delete orphaned lock")

			continue
		}

		if ok {
			deleted = append(deleted, rec.ResourceID)
		}
	}

	recordOrphansDeleted(ctx, ns, len(deleted))

	if len(deleted) > 0 {
		zerolog.Ctx(ctx).
			Info().
			Strs("event_ids", deleted).
			Msg("deleted orphaned locks")
	}

	resp := Response{
		Success: true,
		Message: fmt.Sprintf("Deleted %d orphaned locks", len(deleted)),
		Payload: deleted,
	}

	return resp, c.broadcast(ctx, lockchange.OperationUnlock, practice, c.identity, deleted)
}
