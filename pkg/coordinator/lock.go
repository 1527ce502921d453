package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable"
)

// Lock acquires every event of ids for requester, in order. The batch is
// all-or-nothing: the first event that cannot be locked releases the events
// this call acquired and the response names the holder. Events the requester
// already owns are re-entered and left alone on rollback. A granted batch is
// announced with exactly one LOCK broadcast.
func (c *Coordinator) Lock(ctx context.Context, requester string, practice bool, ids []string) (Response, error) {
	ns := locktable.NamespaceFor(practice)

	resp := Response{
		Payload:  make([]string, 0, len(ids)),
		LockInfo: make(map[string]LockInfo, len(ids)),
	}

	acquired := make([]string, 0, len(ids))

	for _, id := range ids {
		res, err := c.table.TryLock(ctx, ns, id, requester, c.lockTimeout)
		if err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("event_id", id).
				Msg("unable to lock event")

			c.rollback(ctx, ns, acquired)
			recordDenial(ctx, denialStorage)

			return Response{
				Message:  fmt.Sprintf("Unable to lock event %s: lock table unavailable", id),
				Payload:  []string{},
				LockInfo: map[string]LockInfo{},
			}, nil
		}

		switch res.Status {
		case locktable.Successful:
			acquired = append(acquired, id)
			resp.Payload = append(resp.Payload, id)
			resp.LockInfo[id] = LockInfo{Status: StatusLockedByMe, Owner: requester, AcquiredAt: acquiredAt(res)}

			continue

		case locktable.AlreadyRunning:
			if res.Existing != nil && identity.SameOwner(ctx, res.Existing.Owner, requester) {
				resp.Payload = append(resp.Payload, id)
				resp.LockInfo[id] = LockInfo{
					Status:     StatusLockedByMe,
					Owner:      res.Existing.Owner,
					AcquiredAt: res.Existing.AcquiredAt,
				}

				continue
			}
		case locktable.Failed, locktable.Old:
		}

		c.rollback(ctx, ns, acquired)

		return c.denied(ctx, id, requester, res), nil
	}

	resp.Success = true

	zerolog.Ctx(ctx).
		Debug().
		Strs("event_ids", ids).
		Int("acquired", len(acquired)).
		Msg("granted locks")

	return resp, c.broadcast(ctx, lockchange.OperationLock, practice, requester, resp.Payload)
}

func (c *Coordinator) denied(ctx context.Context, id, requester string, res locktable.TryLockResult) Response {
	resp := Response{Payload: []string{}, LockInfo: map[string]LockInfo{}}

	switch {
	case res.Status == locktable.Old:
		recordDenial(ctx, denialExpired)

		resp.Message = fmt.Sprintf("The lock on event %s had expired and was reclaimed, try again", id)

	case res.Existing != nil:
		recordDenial(ctx, denialHeld)

		resp.Message = fmt.Sprintf("Event %s is locked by %s since %s",
			id, res.Existing.Owner, res.Existing.AcquiredAt.UTC().Format(time.RFC3339))
		resp.LockInfo[id] = statusFor(ctx, requester, *res.Existing)

	default:
		recordDenial(ctx, denialFailed)

		resp.Message = fmt.Sprintf("Unable to lock event %s", id)
	}

	zerolog.Ctx(ctx).
		Info().
		Str("event_id", id).
		Str("status", res.Status.String()).
		Msg(resp.Message)

	return resp
}

func (c *Coordinator) rollback(ctx context.Context, ns locktable.Namespace, acquired []string) {
	for _, id := range acquired {
		if _, err := c.table.Unlock(ctx, ns, id); err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("event_id", id).
				Msg("unable to roll back lock")
		}
	}
}

// Unlock releases ids regardless of who holds them. One failing event does
// not stop the others. The response succeeds only when every event was
// released, and its payload lists the released ones. With notify set the
// releases are announced with one UNLOCK broadcast.
func (c *Coordinator) Unlock(
	ctx context.Context,
	requester string,
	practice bool,
	ids []string,
	notify bool,
) (Response, error) {
	ns := locktable.NamespaceFor(practice)

	resp := Response{
		Success:  true,
		Payload:  make([]string, 0, len(ids)),
		LockInfo: make(map[string]LockInfo, len(ids)),
	}

	outcomes := make([]string, 0, len(ids))

	for _, id := range ids {
		released, err := c.table.Unlock(ctx, ns, id)

		switch {
		case err != nil:
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("event_id", id).
				Msg("unable to unlock event")

			resp.Success = false

			outcomes = append(outcomes, id+": failed")

		case !released:
			resp.Success = false

			outcomes = append(outcomes, id+": not locked")

		default:
			resp.Payload = append(resp.Payload, id)
			resp.LockInfo[id] = LockInfo{Status: StatusLockable}

			outcomes = append(outcomes, id+": released")
		}
	}

	resp.Message = strings.Join(outcomes, "; ")

	if !notify {
		return resp, nil
	}

	return resp, c.broadcast(ctx, lockchange.OperationUnlock, practice, requester, resp.Payload)
}

// Break moves ownership of ids to requester whoever holds them. Tables that
// can transfer atomically do so, and a failed transfer releases the events
// transferred before it. Other tables release the events without notice and
// then lock them, which lets a third workstation slip in between.
func (c *Coordinator) Break(ctx context.Context, requester string, practice bool, ids []string) (Response, error) {
	transferer, ok := c.table.(locktable.Transferer)
	if !ok {
		zerolog.Ctx(ctx).
			Debug().
			Strs("event_ids", ids).
			Msg("lock table cannot transfer, breaking in two steps")

		if _, err := c.Unlock(ctx, requester, practice, ids, false); err != nil {
			return Response{}, err
		}

		return c.Lock(ctx, requester, practice, ids)
	}

	ns := locktable.NamespaceFor(practice)

	resp := Response{
		Payload:  make([]string, 0, len(ids)),
		LockInfo: make(map[string]LockInfo, len(ids)),
	}

	for _, id := range ids {
		rec, err := transferer.Transfer(ctx, ns, id, requester, c.lockTimeout)
		if err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("event_id", id).
				Msg("unable to break lock")

			// the previous holders already lost what was transferred, so it is
			// released rather than handed back
			c.rollback(ctx, ns, resp.Payload)

			return Response{
				Message:  fmt.Sprintf("Unable to break the lock on event %s", id),
				Payload:  []string{},
				LockInfo: map[string]LockInfo{},
			}, c.broadcast(ctx, lockchange.OperationUnlock, practice, requester, resp.Payload)
		}

		resp.Payload = append(resp.Payload, id)
		resp.LockInfo[id] = LockInfo{Status: StatusLockedByMe, Owner: rec.Owner, AcquiredAt: rec.AcquiredAt}
	}

	resp.Success = true

	zerolog.Ctx(ctx).
		Info().
		Strs("event_ids", ids).
		Msg("broke locks")

	return resp, c.broadcast(ctx, lockchange.OperationLock, practice, requester, resp.Payload)
}

func acquiredAt(res locktable.TryLockResult) time.Time {
	if res.Existing != nil {
		return res.Existing.AcquiredAt
	}

	return time.Time{}
}
