// Package plcman polls tags from EtherNet/IP controllers. A Registry
// holds the controllers; each controller groups its tags into scan lists
// by period and is polled by its own Scanner goroutine.
package plcman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eipscan/eip"
	"eipscan/logging"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the operational logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNop(log) }
}

// WithDialer replaces the connection factory, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithClock replaces the time source of the scanners.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTimeout sets the connect and transfer timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// Registry is the set of controllers and their scanners.
type Registry struct {
	mu          sync.Mutex
	controllers []*Controller

	dial    Dialer
	clock   Clock
	timeout time.Duration
	log     *zap.Logger

	root   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:   WallClock,
		timeout: eip.DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.dial == nil {
		r.dial = DialEIP(r.log)
	}
	return r
}

// DefineController creates the controller name, or updates the address
// and slot of an existing one. When the registry is running, a new
// controller is scanned right away.
func (r *Registry) DefineController(name, address string, slot byte) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.findLocked(name); c != nil {
		c.mu.Lock()
		if c.address != address || c.slot != slot {
			r.log.Warn("redefining controller", zap.String("plc", name),
				zap.String("address", address), zap.Uint8("slot", slot))
		}
		c.address, c.slot = address, slot
		c.mu.Unlock()
		return c
	}

	c := newController(name, address, slot, r.log)
	r.controllers = append(r.controllers, c)
	if r.ctx != nil {
		r.startLocked(c)
	}
	return c
}

func (r *Registry) findLocked(name string) *Controller {
	for _, c := range r.controllers {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Controller returns the named controller or nil.
func (r *Registry) Controller(name string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(name)
}

// Controllers lists the controllers in definition order.
func (r *Registry) Controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Controller(nil), r.controllers...)
}

// AddTag registers a tag on a named controller.
func (r *Registry) AddTag(controller string, period time.Duration, tag string, elements int) (*TagInfo, error) {
	c := r.Controller(controller)
	if c == nil {
		return nil, fmt.Errorf("unknown controller %q", controller)
	}
	return c.AddTag(period, tag, elements)
}

// Start launches a scanner for every controller. Scanners stop when ctx
// is done or Stop is called; later restarts stay bound to ctx.
func (r *Registry) Start(ctx context.Context) int {
	r.mu.Lock()
	r.root = ctx
	r.mu.Unlock()
	return r.Restart()
}

// Restart drops every connection, so that scanners reconnect, and starts
// the scanners that are not running. It returns how many were started.
func (r *Registry) Restart() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil && r.ctx.Err() != nil {
		// Scanners of the cancelled context may still be shutting down.
		var done []chan struct{}
		for _, c := range r.controllers {
			c.mu.Lock()
			if c.running {
				done = append(done, c.done)
			}
			c.mu.Unlock()
		}
		r.mu.Unlock()
		for _, ch := range done {
			<-ch
		}
		r.mu.Lock()
	}
	if r.ctx == nil || r.ctx.Err() != nil {
		root := r.root
		if root == nil {
			root = context.Background()
		}
		if root.Err() != nil {
			r.log.Warn("not restarting scanners, registry context is done")
			return 0
		}
		r.ctx, r.cancel = context.WithCancel(root)
	}
	started := 0
	for _, c := range r.controllers {
		c.Disconnect("restart")
		if r.startLocked(c) {
			started++
		}
	}
	return started
}

func (r *Registry) startLocked(c *Controller) bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	s := NewScanner(c, r.dial, r.clock, r.timeout)
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.log.Info("scanner started", zap.String("plc", c.name))
		s.Run(ctx)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
		r.log.Info("scanner stopped", zap.String("plc", c.name))
	}()
	return true
}

// Running reports whether the scanners were started.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx != nil
}

// Stop cancels all scanners and waits for them to close their connections.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.ctx, r.cancel = nil, nil
	r.mu.Unlock()
}

// ResetStatistics zeroes the error, slow scan and timing counters.
func (r *Registry) ResetStatistics() {
	for _, c := range r.Controllers() {
		c.resetStatistics()
	}
}
