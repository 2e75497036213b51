// Package reconcile implements the polling reconciliation engine. The remote
// venue pushes no fill notifications, so fills are inferred by diffing the
// open conditional-order set between cycles: a tracked protective order id
// that was open last cycle and is gone now has filled (or was cancelled
// out-of-band, which is treated the same way).
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"positionGuard/internal/domain"
	"positionGuard/internal/keylock"
	"positionGuard/internal/metrics"
	"positionGuard/internal/ports"
)

// Mutator is the slice of the order mutation protocol the engine drives.
type Mutator interface {
	ApplyFill(ctx context.Context, pos *domain.Position, ev *domain.OrderFillEvent) error
	ForceComplete(ctx context.Context, pos *domain.Position, cause domain.CloseCause, marketClose bool) error
}

// Engine drives one reconciliation cycle at a time. Snapshots live only in
// memory: after a restart the first cycle re-establishes the baseline and
// infers nothing, so a fill can never be fabricated from unobserved history.
type Engine struct {
	logger   ports.Logger
	positions ports.PositionStore
	fills    ports.FillEventStore
	gateways ports.GatewayProvider
	protocol Mutator
	locks    *keylock.KeyedMutex

	mu        sync.Mutex
	snapshots map[int64]map[string]struct{}
	lastCycle time.Time
	lastErr   error
}

// NewEngine creates the reconciliation engine.
func NewEngine(
	logger ports.Logger,
	positions ports.PositionStore,
	fills ports.FillEventStore,
	gateways ports.GatewayProvider,
	protocol Mutator,
	locks *keylock.KeyedMutex,
) (*Engine, error) {
	if logger == nil || positions == nil || fills == nil || gateways == nil || protocol == nil || locks == nil {
		return nil, fmt.Errorf("missing required dependencies for reconciliation engine")
	}
	return &Engine{
		logger:    logger,
		positions: positions,
		fills:     fills,
		gateways:  gateways,
		protocol:  protocol,
		locks:     locks,
		snapshots: make(map[int64]map[string]struct{}),
	}, nil
}

// RunCycle executes one full reconciliation pass: load active positions,
// group them by credential+market scope, fetch each scope's remote state with
// exactly one positions call and one orders call, then diff per position.
// Scope failures are isolated; the other scopes still reconcile.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()

	active, err := e.positions.FindActive(ctx)
	if err != nil {
		e.finishCycle(start, err)
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	metrics.ActivePositions.Set(float64(len(active)))
	e.pruneSnapshots(active)

	type scopeGroup struct {
		scope     domain.AccountScope
		positions []*domain.Position
	}
	groups := make(map[string]*scopeGroup)
	for _, pos := range active {
		key := pos.Scope.Key()
		g, ok := groups[key]
		if !ok {
			g = &scopeGroup{scope: pos.Scope}
			groups[key] = g
		}
		g.positions = append(g.positions, pos)
	}

	var g errgroup.Group
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			if err := e.reconcileScope(ctx, grp.scope, grp.positions); err != nil {
				e.logger.Error(ctx, err, "Scope reconciliation failed", map[string]interface{}{
					"scope": grp.scope.Key(), "positions": len(grp.positions),
				})
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	e.finishCycle(start, err)
	return err
}

func (e *Engine) finishCycle(start time.Time, err error) {
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()

	e.mu.Lock()
	e.lastCycle = time.Now().UTC()
	e.lastErr = err
	e.mu.Unlock()
}

// LastCycle reports when the most recent cycle finished and its error, if
// any. Zero time means no cycle has completed yet.
func (e *Engine) LastCycle() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle, e.lastErr
}

// reconcileScope fetches remote state for one scope once and reconciles every
// position in it against that shared snapshot.
func (e *Engine) reconcileScope(ctx context.Context, scope domain.AccountScope, positions []*domain.Position) error {
	gw, err := e.gateways.Gateway(scope)
	if err != nil {
		return err
	}

	remote, err := gw.ListPositions(ctx)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(scope.Key()).Inc()
		return fmt.Errorf("list positions for scope %s: %w", scope.Key(), err)
	}
	orders, err := gw.ListOpenConditionalOrders(ctx)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(scope.Key()).Inc()
		return fmt.Errorf("list conditional orders for scope %s: %w", scope.Key(), err)
	}

	remoteSize := make(map[string]float64, len(remote))
	for _, rp := range remote {
		remoteSize[rp.Symbol] += rp.Size
	}
	openSet := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		openSet[o.ID] = struct{}{}
	}

	var firstErr error
	for _, pos := range positions {
		unlock := e.locks.Lock(pos.ID)
		err := e.reconcilePosition(ctx, pos, remoteSize, openSet)
		unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reconcilePosition diffs one position against the scope's remote snapshot.
// Caller holds the position lock.
func (e *Engine) reconcilePosition(ctx context.Context, pos *domain.Position, remoteSize map[string]float64, openSet map[string]struct{}) error {
	// The exchange no longer holds the position at all: someone closed it
	// out-of-band. Mark completed and withdraw leftover protection; no fill
	// event, because no tier can be attributed.
	if size := remoteSize[pos.Symbol]; size == 0 {
		e.logger.Warn(ctx, "Position vanished from exchange, completing locally", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol,
		})
		if err := e.protocol.ForceComplete(ctx, pos, domain.CauseClosedRemotely, false); err != nil {
			return err
		}
		e.dropSnapshot(pos.ID)
		return nil
	}

	tracked := pos.TrackedOrderIDs()
	prev := e.snapshot(pos.ID)
	if prev == nil {
		// Cold start for this position: establish the baseline, infer
		// nothing. An order already absent here cannot be distinguished
		// from one that was never observed.
		e.setSnapshot(pos.ID, intersect(tracked, openSet))
		return nil
	}

	next := intersect(tracked, openSet)
	var firstErr error
	for _, id := range tracked {
		if _, wasOpen := prev[id]; !wasOpen {
			continue
		}
		if _, stillOpen := openSet[id]; stillOpen {
			continue
		}

		ft, ok := pos.MatchFillType(id)
		if !ok {
			continue
		}
		ev := &domain.OrderFillEvent{
			PositionID: pos.ID,
			OrderID:    id,
			Type:       ft,
			Size:       pos.TierSize(ft),
			Price:      pos.TierPrice(ft),
			InferredAt: time.Now().UTC(),
		}
		isNew, err := e.fills.Record(ctx, ev)
		if err != nil {
			firstErr = err
			next[id] = struct{}{} // re-arm, retry next cycle
			continue
		}
		if isNew {
			metrics.InferredFills.WithLabelValues(string(ft)).Inc()
			e.logger.Info(ctx, "Fill inferred from order disappearance", map[string]interface{}{
				"positionID": pos.ID, "orderID": id, "type": ft, "size": ev.Size, "price": ev.Price,
			})
		}
		// Apply even when the event was already recorded: a previously
		// failed application left it unprocessed, and ApplyFill skips
		// transitions it has already made.
		if err := e.protocol.ApplyFill(ctx, pos, ev); err != nil {
			e.logger.Error(ctx, err, "Failed to apply inferred fill", map[string]interface{}{
				"positionID": pos.ID, "orderID": id,
			})
			firstErr = err
			next[id] = struct{}{}
		}
	}

	if pos.Phase.IsTerminal() {
		e.dropSnapshot(pos.ID)
		return firstErr
	}
	// A stop replaced mid-cycle enters the baseline on its next observation.
	for _, id := range pos.TrackedOrderIDs() {
		if _, open := openSet[id]; open {
			next[id] = struct{}{}
		}
	}
	e.setSnapshot(pos.ID, next)
	return firstErr
}

func intersect(ids []string, open map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := open[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func (e *Engine) snapshot(positionID int64) map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshots[positionID]
}

func (e *Engine) setSnapshot(positionID int64, snap map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots[positionID] = snap
}

func (e *Engine) dropSnapshot(positionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.snapshots, positionID)
}

// pruneSnapshots discards baselines of positions no longer active, so memory
// does not grow with closed-position history.
func (e *Engine) pruneSnapshots(active []*domain.Position) {
	alive := make(map[int64]struct{}, len(active))
	for _, pos := range active {
		alive[pos.ID] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.snapshots {
		if _, ok := alive[id]; !ok {
			delete(e.snapshots, id)
		}
	}
}
