// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package discovery implements the discovery dispatcher (spec.md §4.11,
// component C11): it caches the last-emitted JSON for each (host,
// discovery-name) pair and only hands a new frameset to FsProtocol when
// the content actually changed.
package discovery

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/worker"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

// DiscoveryFSType is the frameset type used for discovery payloads.
const DiscoveryFSType frameset.Type = 200

// Source produces one named discovery's current JSON payload. A Source is
// called on Dispatcher's own poll loop; it should return quickly or do its
// own internal work asynchronously and cache the result.
type Source interface {
	// Name identifies this discovery (spec.md §4.11: "(host,
	// discovery-name)" cache key).
	Name() string
	// Collect returns the current JSON-encoded discovery payload.
	Collect() ([]byte, error)
}

// Sender transmits a discovery frameset to the CMA. Dispatcher neither
// sequences nor retransmits what it hands over; cmd/nanoprobe binds Sender
// to fsprotocol.Protocol.SendUnsequenced toward the rendezvous address, so
// those sends are not acknowledged or retransmitted.
type Sender func(fs *frameset.FrameSet) error

// Dispatcher polls a set of Sources and emits a discovery frameset only
// when a source's digest has changed since the last emission.
type Dispatcher struct {
	mu      sync.Mutex
	digests map[string][32]byte

	host     string
	sources  []Source
	send     Sender
	interval time.Duration
	log      *log.Logger

	worker.Worker
}

// New creates a Dispatcher for host, polling every interval.
func New(host string, send Sender, interval time.Duration, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		digests:  make(map[string][32]byte),
		host:     host,
		send:     send,
		interval: interval,
		log:      logger,
	}
}

// AddSource registers a discovery source.
func (d *Dispatcher) AddSource(s Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, s)
}

// PollOnce runs every source once, emitting a frameset for any source
// whose digest changed since the last call (spec.md §4.11).
func (d *Dispatcher) PollOnce() {
	d.mu.Lock()
	sources := append([]Source{}, d.sources...)
	d.mu.Unlock()

	for _, s := range sources {
		payload, err := s.Collect()
		if err != nil {
			if d.log != nil {
				d.log.Warn("discovery: collect failed", "name", s.Name(), "err", err)
			}
			continue
		}
		digest := sha256.Sum256(payload)

		d.mu.Lock()
		prev, seen := d.digests[s.Name()]
		changed := !seen || prev != digest
		if changed {
			d.digests[s.Name()] = digest
		}
		d.mu.Unlock()

		if !changed {
			continue
		}

		fs := frameset.New(DiscoveryFSType)
		fs.Append(frame.NewCString(d.host))
		fs.Append(frame.NewCString(s.Name()))
		fs.Append(frame.NewByteString(payload))
		if err := d.send(fs); err != nil && d.log != nil {
			d.log.Warn("discovery: send failed", "name", s.Name(), "err", err)
		}
	}
}

// Run starts the poll loop on a core/worker.Worker goroutine.
func (d *Dispatcher) Run() {
	d.Worker.Go(func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		d.PollOnce()
		for {
			select {
			case <-d.Worker.HaltCh():
				return
			case <-ticker.C:
				d.PollOnce()
			}
		}
	})
}
