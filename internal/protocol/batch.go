package protocol

import (
	"context"

	"golang.org/x/sync/errgroup"

	"haptic-controller/internal/transport"
)

func write(ctx context.Context, dev transport.Device, cmd transport.WriteCmd) error {
	if err := dev.Write(ctx, cmd); err != nil {
		return &TransportError{Op: "write", Endpoint: cmd.Endpoint, Err: err}
	}
	return nil
}

// sharedValue reports the single value a set of updates can be collapsed to:
// either the device has one feature, or every feature changed to the same
// value.
func sharedValue(updates []Update) (uint32, bool) {
	if len(updates) == 0 || !updates[0].Set {
		return 0, false
	}
	v := updates[0].Value
	for _, u := range updates[1:] {
		if !u.Set || u.Value != v {
			return 0, false
		}
	}
	return v, true
}

// writeAggregateOrEach issues one aggregate write when the updates share a
// value, otherwise one write per changed feature. Per-feature writes run
// concurrently; the first failure fails the call.
func writeAggregateOrEach(ctx context.Context, dev transport.Device, updates []Update,
	aggregate func(v uint32) transport.WriteCmd, single func(i int, v uint32) transport.WriteCmd) error {
	if v, ok := sharedValue(updates); ok {
		return write(ctx, dev, aggregate(v))
	}
	return writeEach(ctx, dev, updates, single)
}

// writeEach issues one concurrent write per changed feature.
func writeEach(ctx context.Context, dev transport.Device, updates []Update, single func(i int, v uint32) transport.WriteCmd) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range updates {
		i, u := i, u
		if !u.Set {
			continue
		}
		g.Go(func() error {
			return write(gctx, dev, single(i, u.Value))
		})
	}
	return g.Wait()
}
