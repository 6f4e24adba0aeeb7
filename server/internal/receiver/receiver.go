package receiver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/obsidianstack/emitter/pkg/mockcollector"
	"github.com/obsidianstack/emitter/pkg/types"
	"github.com/obsidianstack/emitter/server/internal/store"
)

// ErrNoIdentity is returned for uploads without a usable fingerprint or
// machine member.
var ErrNoIdentity = errors.New("upload carries no installation identity")

// Receiver unwraps accepted uploads and files them in the installation store.
type Receiver struct {
	store     *store.Store
	formParam string
	notify    func(fingerprint string)
}

// New creates a Receiver that reads the record under formParam and writes it
// to st.
func New(st *store.Store, formParam string) *Receiver {
	return &Receiver{store: st, formParam: formParam}
}

// WithNotify makes r call fn with the fingerprint of every stored upload.
func (r *Receiver) WithNotify(fn func(fingerprint string)) *Receiver {
	r.notify = fn
	return r
}

// Accept is the collector's OnAccept hook. Uploads it cannot attribute are
// logged and dropped; the agent has already been told 200 by then.
func (r *Receiver) Accept(msg types.Record) {
	if err := r.Store(msg); err != nil {
		slog.Warn("receiver: dropping upload", "err", err)
	}
}

// Store validates one upload body and records it.
func (r *Receiver) Store(msg types.Record) error {
	payload, ok := mockcollector.Payload(msg, r.formParam)
	if !ok {
		return fmt.Errorf("receiver: body has no %q object", r.formParam)
	}
	id, rec, err := split(payload)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	r.store.Put(id, rec)
	if r.notify != nil {
		r.notify(id.Fingerprint)
	}

	slog.Debug("receiver: record stored",
		"fingerprint", id.Fingerprint,
		"machine", id.Machine,
		"fields", rec.Len(),
	)
	return nil
}

// split separates the identity members from the rest of the payload.
func split(payload types.Record) (types.Identity, types.Record, error) {
	var id types.Identity
	fp, _ := payload.Get("fingerprint")
	if s, ok := fp.(string); ok {
		id.Fingerprint = s
	}
	m, _ := payload.Get("machine")
	n, ok := m.(int64)
	if id.Fingerprint == "" || !ok {
		return types.Identity{}, types.Record{}, ErrNoIdentity
	}
	id.Machine = n

	var rest []types.Field
	for _, f := range payload.Fields() {
		if f.Key == "fingerprint" || f.Key == "machine" {
			continue
		}
		rest = append(rest, f)
	}
	return id, types.NewRecord(rest...), nil
}
