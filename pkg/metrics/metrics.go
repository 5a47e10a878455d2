// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/memrt/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

type (
	// State is the configuration of a collector or a group of collectors.
	State int

	// Collector is a named prometheus.Collector in a registry group.
	Collector struct {
		sync.Mutex
		collector prometheus.Collector
		name      string
		group     string
		state     State
		lastpoll  []prometheus.Metric
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector as polled. Polled collectors return metrics
	// cached during the last polling cycle instead of collecting on demand.
	Polled
	// NamespacePrefix prefixes the collector's metrics with a common namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes the collector's metrics with its group name.
	SubsystemPrefix

	// DefaultName is the name of the default group. An alias for "".
	DefaultName = "default"
)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// IsEnabled returns true if the state has Enabled set.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// IsPolled returns true if the state has Polled set.
func (s State) IsPolled() bool {
	return s&Polled != 0
}

// NeedsNamespace returns true if a namespace prefix is needed.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if a group prefix is needed.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// NewCollector wraps the given prometheus collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the fully qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector matches the given glob pattern.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warnf("invalid glob pattern %q (%s): %v", glob, name, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	state := c.State()
	switch {
	case !state.IsEnabled():
	case !state.IsPolled():
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting (polled) %q", c.Name())
		c.Lock()
		cached := c.lastpoll
		c.Unlock()
		for _, m := range cached {
			ch <- m
		}
	}
}

// Poll refreshes the cached metrics of an enabled polled collector.
func (c *Collector) Poll() {
	if state := c.State(); !state.IsEnabled() || !state.IsPolled() {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.lastpoll = polled
	c.Unlock()
}

// Enable enables or disables the collector.
func (c *Collector) Enable(enable bool) {
	c.setFlag(Enabled, enable)
}

// SetPolled marks the collector polled or non-polled.
func (c *Collector) SetPolled(polled bool) {
	c.setFlag(Polled, polled)
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

func (c *Collector) setFlag(flag State, set bool) {
	c.Lock()
	defer c.Unlock()
	if set {
		c.state |= flag
	} else {
		c.state &^= flag
	}
}

// Group is a named collection of collectors.
type Group struct {
	name       string
	collectors []*Collector
}

// Describe implements prometheus.Collector.
func (g *Group) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range g.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (g *Group) Collect(ch chan<- prometheus.Metric) {
	for _, c := range g.collectors {
		c.Collect(ch)
	}
}

func (g *Group) state() State {
	var state State
	for _, c := range g.collectors {
		state |= c.State()
	}
	return state
}

func (g *Group) poll(wg *sync.WaitGroup) {
	if !g.state().IsPolled() {
		return
	}
	for _, c := range g.collectors {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
}

func (g *Group) register(plain, ns prometheus.Registerer) error {
	var (
		plainGrp = prefixedRegisterer(g.name, plain)
		nsGrp    = prefixedRegisterer(g.name, ns)
	)

	for _, c := range g.collectors {
		state := c.State()
		reg := plain
		switch {
		case state.NeedsNamespace() && state.NeedsSubsystem():
			reg = nsGrp
		case state.NeedsNamespace():
			reg = ns
		case state.NeedsSubsystem():
			reg = plainGrp
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
		}
	}

	return nil
}

func (g *Group) configure(enabled, polled []string, match map[string]struct{}) State {
	var state State
	for _, c := range g.collectors {
		c.Enable(false)
		for _, glob := range enabled {
			if c.Matches(glob) {
				match[glob] = struct{}{}
				c.Enable(true)
			}
		}
		for _, glob := range polled {
			if c.Matches(glob) {
				match[glob] = struct{}{}
				c.Enable(true)
				c.SetPolled(true)
			}
		}
		log.Debug("collector %q now %s", c.Name(), c.State())
		state |= c.State()
	}
	return state
}

type (
	// Registry is a collection of collector groups.
	Registry struct {
		sync.RWMutex
		groups map[string]*Group
	}

	// RegisterOptions are options for registering collectors.
	RegisterOptions struct {
		group string
		copts []CollectorOption
	}

	// RegisterOption is an option for registering collectors.
	RegisterOption func(*RegisterOptions)
)

// WithGroup registers a collector in the named group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*Group),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.Lock()
	defer r.Unlock()

	grp, ok := r.groups[options.group]
	if !ok {
		grp = &Group{name: options.group}
		r.groups[grp.name] = grp
	}

	c := NewCollector(name, collector, options.copts...)
	c.group = grp.name

	if slices.ContainsFunc(grp.collectors, func(o *Collector) bool { return o.name == name }) {
		return fmt.Errorf("metrics: collector %q already registered", c.Name())
	}

	grp.collectors = append(grp.collectors, c)
	log.Debug("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs. Any
// collector matching a glob in polled is switched to polled mode.
func (r *Registry) Configure(enabled []string, polled []string) (State, error) {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.RLock()
	defer r.RUnlock()

	var (
		match = make(map[string]struct{})
		state State
	)

	for _, g := range r.groups {
		state |= g.configure(enabled, polled, match)
	}

	var unmatched []string
	for _, glob := range append(slices.Clone(enabled), polled...) {
		if _, ok := match[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}

	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll polls all enabled collectors which are in polled mode.
func (r *Registry) Poll() {
	r.RLock()
	defer r.RUnlock()

	wg := &sync.WaitGroup{}
	for _, g := range r.groups {
		g.poll(wg)
	}
	wg.Wait()
}

// State returns the collective state of all collectors in the registry.
func (r *Registry) State() State {
	r.RLock()
	defer r.RUnlock()

	var state State
	for _, g := range r.groups {
		state |= g.state()
	}
	return state
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

type (
	// Gatherer is a prometheus.Gatherer for a registry.
	Gatherer struct {
		*prometheus.Registry
		r            *Registry
		namespace    string
		pollInterval time.Duration
		stopCh       chan struct{}
		doneCh       chan struct{}
		lock         sync.Mutex
		enabled      []string
		polled       []string
	}

	// GathererOption is an option for a Gatherer.
	GathererOption func(*Gatherer)
)

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the common namespace prefix for gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval for the gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables internally triggered polling.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics sets which groups or collectors are enabled, and polled.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		r:            r,
		Registry:     prometheus.NewPedanticRegistry(),
		pollInterval: DefaultPollInterval,
	}

	for _, o := range opts {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	nsg := prefixedRegisterer(g.namespace, g.Registry)

	r.RLock()
	for _, grp := range r.groups {
		if err := grp.register(g.Registry, nsg); err != nil {
			r.RUnlock()
			return nil, err
		}
	}
	r.RUnlock()

	g.start()

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll polls all enabled collectors in polled mode.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() {
		log.Info("no polling (no collectors in polled mode)")
		return
	}

	g.Poll()

	if g.pollInterval == 0 {
		log.Info("no periodic polling (internally triggered polling disabled)")
		return
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry()
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
