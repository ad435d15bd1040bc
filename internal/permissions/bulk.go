package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	opGrant  = "grant"
	opRevoke = "revoke"
)

var (
	errPermissionMissing  = fmt.Errorf("permission: %w", shared.ErrNotFound)
	errPermissionInactive = errors.New("permission is inactive")
)

// BulkGrant applies every permission to every target.
func (s *Service) BulkGrant(ctx context.Context, req BulkRequest, actorID int64) (BulkResult, error) {
	return s.bulk(ctx, opGrant, req, actorID)
}

// BulkRevoke removes every permission from every target.
func (s *Service) BulkRevoke(ctx context.Context, req BulkRequest, actorID int64) (BulkResult, error) {
	return s.bulk(ctx, opRevoke, req, actorID)
}

func (s *Service) bulk(ctx context.Context, op string, req BulkRequest, actorID int64) (BulkResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return BulkResult{}, err
	}
	perms, err := s.repo.GetMany(ctx, req.PermissionIDs)
	if err != nil {
		return BulkResult{}, fmt.Errorf("permissions: bulk %s: %w", op, err)
	}
	if op == opGrant && req.Reason == "" {
		verr := &shared.ValidationError{}
		for _, id := range req.PermissionIDs {
			if p, ok := perms[id]; ok && p.RiskLevel == rbac.RiskCritical {
				verr.Add("reason", fmt.Sprintf("required when granting critical-risk permission %s", p.Code))
				break
			}
		}
		if err := verr.Err(); err != nil {
			return BulkResult{}, err
		}
	}

	var (
		results  = make([]TargetResult, len(req.TargetIDs))
		mu       sync.Mutex
		affected []int64
		g        errgroup.Group
	)
	g.SetLimit(s.bulkConcurrency)
	for i, targetID := range req.TargetIDs {
		g.Go(func() error {
			res, users := s.applyTarget(ctx, op, req, targetID, perms, actorID)
			results[i] = res
			mu.Lock()
			affected = append(affected, users...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.invalidate(ctx, affected)

	out := BulkResult{Operation: op, TargetType: req.TargetType, Results: results}
	for _, r := range results {
		out.Succeeded += len(r.Succeeded)
		out.Failed += len(r.Failed)
		out.Noop += len(r.Noop)
	}
	s.logger.Info("bulk permission operation",
		slog.String("operation", op),
		slog.String("target_type", string(req.TargetType)),
		slog.Int("succeeded", out.Succeeded),
		slog.Int("failed", out.Failed),
		slog.Int("noop", out.Noop))
	return out, nil
}

// applyTarget processes every permission for one target in request order.
// Each pair commits or rolls back on its own.
func (s *Service) applyTarget(ctx context.Context, op string, req BulkRequest, targetID int64, perms map[int64]rbac.Permission, actorID int64) (TargetResult, []int64) {
	res := TargetResult{TargetID: targetID, Succeeded: []int64{}, Failed: []PairFailure{}, Noop: []int64{}}
	var affected []int64
	for _, permID := range req.PermissionIDs {
		changed, users, err := s.applyPair(ctx, op, req, targetID, perms, permID, actorID)
		switch {
		case err != nil:
			if !expectedPairError(err) {
				s.logger.Error("bulk pair failed",
					slog.String("operation", op),
					slog.Int64("target_id", targetID),
					slog.Int64("permission_id", permID),
					slog.Any("error", err))
			}
			res.Failed = append(res.Failed, PairFailure{PermissionID: permID, Error: pairMessage(err)})
		case changed:
			res.Succeeded = append(res.Succeeded, permID)
			affected = append(affected, users...)
		default:
			res.Noop = append(res.Noop, permID)
		}
	}
	return res, affected
}

func (s *Service) applyPair(ctx context.Context, op string, req BulkRequest, targetID int64, perms map[int64]rbac.Permission, permID, actorID int64) (bool, []int64, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	p, ok := perms[permID]
	if !ok {
		return false, nil, errPermissionMissing
	}
	if !p.IsActive {
		return false, nil, errPermissionInactive
	}
	if op == opRevoke && req.TargetType == TargetUsers && s.checker != nil {
		check, err := s.checker.Check(ctx, targetID, p.Code)
		if err != nil {
			return false, nil, err
		}
		if !check.HasPermission {
			return false, nil, nil
		}
	}

	var (
		changed bool
		users   []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.TargetExists(ctx, req.TargetType, targetID); err != nil {
			return err
		}
		var err error
		if op == opGrant {
			changed, err = tx.GrantTo(ctx, req.TargetType, targetID, permID, actorID, req.Reason)
		} else {
			changed, err = tx.RevokeFrom(ctx, req.TargetType, targetID, permID, actorID, req.Reason)
		}
		if err != nil || !changed {
			return err
		}
		if users, err = tx.TargetUsers(ctx, req.TargetType, targetID); err != nil {
			return err
		}
		action := audit.ActionGrant
		if op == opRevoke {
			action = audit.ActionRevoke
		}
		return tx.RecordAudit(ctx, audit.Entry{
			ActionType:     action,
			EntityType:     auditEntity(req.TargetType),
			EntityID:       strconv.FormatInt(targetID, 10),
			PermissionCode: p.Code,
			NewValue:       audit.Snapshot(map[string]any{"permission_id": permID, "bulk": true}),
			ActorID:        actorID,
			Reason:         req.Reason,
		})
	})
	if err != nil {
		return false, nil, err
	}
	return changed, users, nil
}

func auditEntity(t TargetType) audit.EntityType {
	switch t {
	case TargetDesignations:
		return audit.EntityDesignation
	case TargetGroups:
		return audit.EntityGroup
	default:
		return audit.EntityUser
	}
}

func expectedPairError(err error) bool {
	return errors.Is(err, errPermissionInactive) || errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrConflict)
}

func pairMessage(err error) string {
	switch {
	case errors.Is(err, errPermissionInactive):
		return errPermissionInactive.Error()
	case errors.Is(err, shared.ErrNotFound):
		return err.Error()
	}
	return shared.UserSafeMessage(err)
}
