package relayer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// readinessPoll is how often the engine re-checks observer health while
// waiting to become ready.
const readinessPoll = 500 * time.Millisecond

// Observer is one chain watcher feeding the canonical event bus.
// Satisfied by *evm.Observer and *move.Observer.
type Observer interface {
	Prime(ctx context.Context) error
	Run(ctx context.Context) error
	Healthy() bool
	Cursor() uint64
	Lag() uint64
}

// SwapDriver consumes the bus and drives swap sessions. Satisfied by
// *Coordinator.
type SwapDriver interface {
	Run(ctx context.Context) error
}

// Engine orchestrates the chain observers and the swap coordinator. It
// owns their lifecycles and exposes a readiness signal for the HTTP
// surface.
type Engine struct {
	evmObserver  Observer
	moveObserver Observer
	coordinator  SwapDriver
	logger       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ready latches true once both observers report healthy and stays
	// true for the rest of the process lifetime.
	ready atomic.Bool
}

// EngineStatus is a point-in-time snapshot for the status endpoint.
// Lag is how far each chain head led the observer at its last sweep.
type EngineStatus struct {
	Ready       bool   `json:"ready"`
	EVMHealthy  bool   `json:"evm_healthy"`
	EVMCursor   uint64 `json:"evm_cursor"`
	EVMLag      uint64 `json:"evm_lag"`
	MoveHealthy bool   `json:"move_healthy"`
	MoveCursor  uint64 `json:"move_cursor"`
	MoveLag     uint64 `json:"move_lag"`
}

// NewEngine creates a relayer engine over the given observers and
// coordinator.
func NewEngine(evmObserver, moveObserver Observer, coordinator SwapDriver, logger *zap.Logger) *Engine {
	return &Engine{
		evmObserver:  evmObserver,
		moveObserver: moveObserver,
		coordinator:  coordinator,
		logger:       logger,
	}
}

// Start launches the coordinator and both observers. The coordinator
// starts first so bootstrap finishes before events flow. Startup only
// fails when neither observer can establish a cursor; a single dead
// chain keeps retrying inside its Run loop.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting relayer engine")

	evmErr := e.evmObserver.Prime(ctx)
	moveErr := e.moveObserver.Prime(ctx)
	if evmErr != nil && moveErr != nil {
		return fmt.Errorf("no observer could establish a cursor: evm: %v; move: %v", evmErr, moveErr)
	}
	if evmErr != nil {
		e.logger.Warn("EVM observer could not establish a cursor, will retry", zap.Error(evmErr))
	}
	if moveErr != nil {
		e.logger.Warn("Move observer could not establish a cursor, will retry", zap.Error(moveErr))
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Coordinator failed", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.evmObserver.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("EVM observer failed", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.moveObserver.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Move observer failed", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go e.watchReadiness(ctx)

	e.logger.Info("Relayer engine started")
	return nil
}

// Stop cancels all engine goroutines and waits for them to drain.
func (e *Engine) Stop() {
	e.logger.Info("Stopping relayer engine")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Relayer engine stopped")
}

// Ready reports whether both observers have reached a healthy state at
// least once. It never flips back to false; transient RPC trouble is
// visible through Status and metrics instead.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Status returns the current observer cursors, lag, and health flags.
func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		Ready:       e.ready.Load(),
		EVMHealthy:  e.evmObserver.Healthy(),
		EVMCursor:   e.evmObserver.Cursor(),
		EVMLag:      e.evmObserver.Lag(),
		MoveHealthy: e.moveObserver.Healthy(),
		MoveCursor:  e.moveObserver.Cursor(),
		MoveLag:     e.moveObserver.Lag(),
	}
}

func (e *Engine) watchReadiness(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(readinessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.evmObserver.Healthy() && e.moveObserver.Healthy() {
				e.ready.Store(true)
				e.logger.Info("Relayer engine ready")
				return
			}
		}
	}
}
