package service

import (
	"context"
)

// dispatchGuard scopes a recovery transaction. Until dispatch is called its
// context is cancelled when the operation deadline passes, so lock waits and
// validation give up in time. After dispatch the context is never cancelled:
// a charge the gateway may have taken must reach the ledger.
type dispatchGuard struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool
}

func newDispatchGuard(opCtx context.Context) *dispatchGuard {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(opCtx))
	stop := context.AfterFunc(opCtx, func() {
		cancel(context.Cause(opCtx))
	})
	return &dispatchGuard{ctx: ctx, cancel: cancel, stop: stop}
}

// dispatch detaches the context from the deadline. It fails, and the caller
// must not charge, when the deadline already cancelled the transaction.
func (g *dispatchGuard) dispatch() error {
	if !g.stop() {
		return context.Cause(g.ctx)
	}
	return nil
}

func (g *dispatchGuard) release() {
	g.stop()
	g.cancel(nil)
}
