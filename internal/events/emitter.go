// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Emitter prints numbered events to a writer, one per line, as text or as
// JSON objects.
type Emitter struct {
	Func

	mu  sync.Mutex
	seq int64
	out io.Writer
	enc *json.Encoder
}

// NewEmitter returns an emitter writing to out, or nil when out is nil.
func NewEmitter(out io.Writer, asJSON bool) *Emitter {
	if out == nil {
		return nil
	}
	e := &Emitter{out: out}
	if asJSON {
		e.enc = json.NewEncoder(out)
	}
	e.Func = e.print
	return e
}

func (e *Emitter) print(ev RunEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Sequence = e.seq
	ev.Timestamp = time.Now().UTC()
	if e.enc != nil {
		_ = e.enc.Encode(ev)
		return
	}
	fmt.Fprintln(e.out, ev)
}
