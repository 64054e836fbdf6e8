// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"testing"
	"time"
)

func TestHaltStopsGoroutine(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(done)
	})

	w.Halt()
	w.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe halt")
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	var w Worker
	w.Halt()
	w.Halt()
	if !w.IsHalted() {
		t.Fatal("expected IsHalted true")
	}
}
