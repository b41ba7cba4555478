// Package protocol translates abstract actuation commands into the writes each
// device family expects.
//
// Every family is described by a Family: how to construct it (from the
// advertised name alone, or after an identification handshake) and a Handler
// that turns vibrate, rotate and linear commands into transport writes. All
// families share the CommandManager, which suppresses writes for features that
// already hold the requested value, and all of them stop through the same
// path as ordinary commands.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

// Handler translates commands for one device family. Families embed
// UnimplementedHandler and override the kinds they support.
type Handler interface {
	HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error
	HandleRotate(ctx context.Context, dev transport.Device, cmd message.Command) error
	HandleLinear(ctx context.Context, dev transport.Device, cmd message.Command) error
}

// UnimplementedHandler rejects every kind without touching the transport.
type UnimplementedHandler struct{}

func (UnimplementedHandler) HandleVibrate(context.Context, transport.Device, message.Command) error {
	return &UnsupportedError{Kind: message.KindVibrate}
}

func (UnimplementedHandler) HandleRotate(context.Context, transport.Device, message.Command) error {
	return &UnsupportedError{Kind: message.KindRotate}
}

func (UnimplementedHandler) HandleLinear(context.Context, transport.Device, message.Command) error {
	return &UnsupportedError{Kind: message.KindLinear}
}

// Identifier probes a connected device for the token its attributes are
// registered under.
type Identifier func(ctx context.Context, dev transport.Device) (string, error)

// Family describes one device family.
type Family struct {
	Name       string
	NewHandler func(m *CommandManager) Handler
	// Identify is nil for families whose advertised name is enough to
	// resolve attributes.
	Identify Identifier
	// MaxFeatures caps how many features of a kind the wire format can
	// address. Kinds not listed are unbounded.
	MaxFeatures map[message.Kind]uint32
}

func (f Family) checkLimits(attrs message.AttributeMap) error {
	for kind, limit := range f.MaxFeatures {
		if n := attrs.FeatureCount(kind); n > limit {
			return fmt.Errorf("%s: %d %s features declared, family addresses at most %d: %w", f.Name, n, kind, limit, ErrFeatureLimit)
		}
	}
	return nil
}

var (
	familiesMu sync.RWMutex
	families   = make(map[string]Family)
)

// Register makes a family available to Lookup. It panics on duplicates.
func Register(f Family) {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	if _, dup := families[f.Name]; dup {
		panic("protocol: family registered twice: " + f.Name)
	}
	families[f.Name] = f
}

// Lookup returns the family registered under name.
func Lookup(name string) (Family, bool) {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	f, ok := families[name]
	return f, ok
}

// Families lists the registered family names.
func Families() []string {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AttributeSource resolves an identifier to display names and attributes. A
// miss is reported through ok, not as an error.
type AttributeSource interface {
	Attributes(identifier string) (names map[string]string, attrs message.AttributeMap, ok bool)
}

// Options tune adapter construction.
type Options struct {
	// HandshakeTimeout bounds the identification exchange. Zero leaves it
	// bounded only by the caller's context.
	HandshakeTimeout time.Duration
}

// Protocol is a constructed adapter for one connected device.
type Protocol struct {
	family  string
	name    string
	attrs   message.AttributeMap
	manager *CommandManager
	handler Handler
	stop    []message.Command
}

// Create builds the adapter for dev. Families with an Identify step run it
// first; the resulting identifier, or the advertised name otherwise, is then
// resolved through src.
func Create(ctx context.Context, family Family, dev transport.Device, src AttributeSource, opts Options) (*Protocol, error) {
	identifier := dev.Name()
	if family.Identify != nil {
		hctx := ctx
		if opts.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
			defer cancel()
		}
		id, err := family.Identify(hctx, dev)
		if err != nil {
			return nil, err
		}
		identifier = id
	}

	names, attrs, ok := src.Attributes(identifier)
	if !ok {
		return nil, fmt.Errorf("%s identifier %q: %w", family.Name, identifier, ErrUnknownDevice)
	}
	if err := family.checkLimits(attrs); err != nil {
		return nil, err
	}
	name := names["en-us"]
	if name == "" {
		name = dev.Name()
	}
	return New(family, name, attrs), nil
}

// New builds an adapter from already resolved attributes.
func New(family Family, name string, attrs message.AttributeMap) *Protocol {
	m := NewCommandManager(attrs)
	return &Protocol{
		family:  family.Name,
		name:    name,
		attrs:   attrs.Clone(),
		manager: m,
		handler: family.NewHandler(m),
		stop:    m.StopCommands(),
	}
}

// Family returns the family name.
func (p *Protocol) Family() string { return p.family }

// Name returns the resolved display name.
func (p *Protocol) Name() string { return p.name }

// Attributes returns a copy of the resolved attributes.
func (p *Protocol) Attributes() message.AttributeMap { return p.attrs.Clone() }

// StopCommands returns the commands Handle replays for a stop.
func (p *Protocol) StopCommands() []message.Command {
	return append([]message.Command(nil), p.stop...)
}

// Handle validates cmd against the device's features and hands it to the
// family. Validation and unsupported kinds fail before any transport I/O.
func (p *Protocol) Handle(ctx context.Context, dev transport.Device, cmd message.Command) error {
	if cmd.Kind == message.KindStop {
		return p.handleStop(ctx, dev)
	}

	n := p.attrs.FeatureCount(cmd.Kind)
	if n == 0 {
		return &UnsupportedError{Family: p.family, Kind: cmd.Kind}
	}
	for _, f := range cmd.Features {
		if f.Index >= n {
			return invalid(cmd.Kind, ErrFeatureIndex, "index %d, device has %d features", f.Index, n)
		}
	}

	var err error
	switch cmd.Kind {
	case message.KindVibrate:
		err = p.handler.HandleVibrate(ctx, dev, cmd)
	case message.KindRotate:
		err = p.handler.HandleRotate(ctx, dev, cmd)
	case message.KindLinear:
		err = p.handler.HandleLinear(ctx, dev, cmd)
	default:
		err = &UnsupportedError{Kind: cmd.Kind}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnsupported) {
		return &UnsupportedError{Family: p.family, Kind: cmd.Kind}
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		// The cache already holds the new target; the device may lag it until
		// the next successful write to the feature.
		log.Printf("[Protocol] %s: %s failed after cache update: %v", p.name, cmd.Kind, err)
	}
	return err
}

// handleStop replays the precomputed stop commands through the regular
// handlers, so stop is subject to the same redundancy elimination.
func (p *Protocol) handleStop(ctx context.Context, dev transport.Device) error {
	var errs []error
	for _, c := range p.stop {
		if err := p.Handle(ctx, dev, c); err != nil && !errors.Is(err, ErrUnsupported) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
