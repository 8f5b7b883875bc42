// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type GracefulShutdownHandler interface {
	Shutdown()                // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool       // Quickly checks if a shutdown is in progress.
	Context() context.Context // Cancelled as soon as a shutdown starts.
	Wait() error              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit    chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	wg      sync.WaitGroup
	err     error
}

// NewGracefulShutdown starts waiting for SIGINT/SIGTERM or a call to Shutdown.
// Once triggered, the handler's context is cancelled and onShutdown (if not nil)
// gets timeout to drain the service.
func NewGracefulShutdown(timeout time.Duration, onShutdown func(ctx context.Context) error) GracefulShutdownHandler {
	ctx, cancel := context.WithCancel(context.Background())
	gs := &gracefulShutdown{
		quit:    make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)
	gs.wg.Add(1)

	go func() {
		defer gs.wg.Done()
		defer signal.Stop(gs.quit)

		sig := <-gs.quit
		gs.cancel()
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown == nil {
			return
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), gs.timeout)
		defer drainCancel()
		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", gs.timeout)
		done := make(chan error, 1)
		go func() { done <- onShutdown(drainCtx) }()

		select {
		case err := <-done:
			if err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
				gs.err = err
				return
			}
			zap.S().Info("Shutdown tasks completed. Ready to exit.")
		case <-drainCtx.Done():
			zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", gs.timeout)
			gs.err = drainCtx.Err()
		}
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.ctx.Err() != nil
}

func (gs *gracefulShutdown) Context() context.Context {
	return gs.ctx
}

func (gs *gracefulShutdown) Shutdown() {
	if gs.ShuttingDown() {
		return
	}
	select {
	case gs.quit <- syscall.SIGTERM:
	default:
	}
}

func (gs *gracefulShutdown) Wait() error {
	gs.wg.Wait()
	return gs.err
}
