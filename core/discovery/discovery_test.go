// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
)

type fakeSource struct {
	name    string
	payload string
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Collect() ([]byte, error) { return []byte(f.payload), nil }

func TestDispatcherOnlySendsOnChange(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	src := &fakeSource{name: "net-config", payload: "v1"}
	d := New("host1", func(fs *frameset.FrameSet) error {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range fs.Frames {
			if bs, ok := f.(*frame.ByteStringFrame); ok {
				sent = append(sent, string(bs.Value))
			}
		}
		return nil
	}, time.Hour, nil)
	d.AddSource(src)

	d.PollOnce()
	d.PollOnce() // unchanged payload: must not send again
	src.payload = "v2"
	d.PollOnce()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || sent[0] != "v1" || sent[1] != "v2" {
		t.Fatalf("expected exactly 2 sends (v1, v2), got %v", sent)
	}
}
