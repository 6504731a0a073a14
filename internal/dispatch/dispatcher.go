// Package dispatch decodes inbound protocol frames and fans them out to
// registered listeners.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/proto"
	"github.com/AoiTakara/fchatlib/internal/validate"
)

// Event is a fully decoded and validated inbound command.
type Event struct {
	Type    proto.Type
	Verb    string
	Payload any
}

// Listener receives validated events for one command type.
type Listener func(ctx context.Context, ev Event) error

// GenericListener receives frames whose verb is not in the registry. The
// payload is the raw remainder of the frame, unvalidated.
type GenericListener func(ctx context.Context, verb, payload string) error

// Reporter relays a dispatch failure to the configured operator identity.
type Reporter func(ctx context.Context, verb string, err error)

type listenerEntry struct {
	name string
	fn   Listener
}

type genericEntry struct {
	name string
	fn   GenericListener
}

// Dispatcher routes raw frames to listeners. Frames are processed one at a
// time; listeners for a single frame run concurrently and every listener
// settles independently of its siblings.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[proto.Type][]listenerEntry
	generic   []genericEntry

	validator *validate.Validator
	log       zerolog.Logger
	report    Reporter
}

// New builds a Dispatcher. The reporter may be set later via SetReporter.
func New(validator *validate.Validator, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[proto.Type][]listenerEntry),
		validator: validator,
		log:       logger.With().Str("component", "dispatch").Logger(),
	}
}

// SetReporter installs the operator error relay.
func (d *Dispatcher) SetReporter(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.report = r
}

// AddListener registers fn for a command type under name. Registering the
// same name again replaces the previous listener, so repeated registration
// across reconnects never double-invokes.
func (d *Dispatcher) AddListener(t proto.Type, name string, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, entry := range d.listeners[t] {
		if entry.name == name {
			d.listeners[t][i].fn = fn
			return
		}
	}
	d.listeners[t] = append(d.listeners[t], listenerEntry{name: name, fn: fn})
}

// RemoveListener unregisters a listener by name. Removing a name that was
// never added is a no-op.
func (d *Dispatcher) RemoveListener(t proto.Type, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[t]
	for i, entry := range entries {
		if entry.name == name {
			d.listeners[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// AddGeneric registers a listener for frames with unknown verbs.
func (d *Dispatcher) AddGeneric(name string, fn GenericListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, entry := range d.generic {
		if entry.name == name {
			d.generic[i].fn = fn
			return
		}
	}
	d.generic = append(d.generic, genericEntry{name: name, fn: fn})
}

// RemoveGeneric unregisters a generic listener by name.
func (d *Dispatcher) RemoveGeneric(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, entry := range d.generic {
		if entry.name == name {
			d.generic = append(d.generic[:i:i], d.generic[i+1:]...)
			return
		}
	}
}

// Dispatch decodes one raw frame and invokes the interested listeners. It
// returns once every listener for the frame has settled.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string) {
	verb, payload := proto.ParseFrame(raw)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatch %s: panic: %v", verb, r)
			d.log.Error().Str("verb", verb).Interface("panic", r).Msg("dispatch panicked")
			d.relay(ctx, verb, err)
		}
	}()

	def, known := proto.Lookup(verb)
	if !known {
		d.dispatchGeneric(ctx, verb, payload)
		return
	}

	value, err := d.decode(def, payload)
	if err != nil {
		if verr, ok := validate.AsError(err); ok {
			for _, issue := range verr.Issues {
				d.log.Warn().
					Str("verb", verb).
					Str("path", issue.Path).
					Str("code", issue.Code).
					Msg(issue.Message)
			}
			return
		}
		d.log.Warn().Err(err).Str("verb", verb).Msg("drop undecodable frame")
		return
	}

	ev := Event{Type: def.Type, Verb: verb, Payload: value}

	d.mu.RLock()
	entries := make([]listenerEntry, len(d.listeners[def.Type]))
	copy(entries, d.listeners[def.Type])
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry listenerEntry) {
			defer wg.Done()
			d.settle(ctx, verb, entry.name, func() error { return entry.fn(ctx, ev) })
		}(entry)
	}
	wg.Wait()
}

// decode unmarshals and validates a payload against its definition. A verb
// without a payload schema accepts an absent payload only.
func (d *Dispatcher) decode(def proto.Definition, payload string) (any, error) {
	if def.New == nil {
		return nil, nil
	}
	if payload == "" {
		return nil, &validate.Error{Issues: []validate.Issue{{
			Path:    "",
			Code:    "required",
			Message: "payload required for verb " + def.Verb,
		}}}
	}
	value := def.New()
	if err := json.Unmarshal([]byte(payload), value); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", def.Verb, err)
	}
	if err := d.validator.Struct(value); err != nil {
		return nil, err
	}
	return value, nil
}

func (d *Dispatcher) dispatchGeneric(ctx context.Context, verb, payload string) {
	d.mu.RLock()
	entries := make([]genericEntry, len(d.generic))
	copy(entries, d.generic)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry genericEntry) {
			defer wg.Done()
			d.settle(ctx, verb, entry.name, func() error { return entry.fn(ctx, verb, payload) })
		}(entry)
	}
	wg.Wait()
}

// settle runs one listener and captures its outcome without affecting
// siblings. Failures are logged and relayed to the operator.
func (d *Dispatcher) settle(ctx context.Context, verb, name string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener %s: panic: %v", name, r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		d.log.Error().Err(err).Str("verb", verb).Str("listener", name).Msg("listener failed")
		d.relay(ctx, verb, err)
	}
}

// relay forwards a failure to the operator unless the failing verb is the
// server's own error notification, which would loop the report.
func (d *Dispatcher) relay(ctx context.Context, verb string, err error) {
	if verb == proto.VerbError {
		return
	}
	d.mu.RLock()
	report := d.report
	d.mu.RUnlock()
	if report != nil {
		report(ctx, verb, err)
	}
}
