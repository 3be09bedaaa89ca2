package hardware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Unavailable marks a component that could not be read on this machine.
const Unavailable = "unavailable"

// Component identifies one slot of a fingerprint set.
type Component int

const (
	CPU Component = iota
	BIOS
	MAC
	Disk
	Board
)

// ComponentCount is the number of slots in a fingerprint set.
const ComponentCount = 5

var componentNames = [ComponentCount]string{
	CPU:   "cpu",
	BIOS:  "bios",
	MAC:   "mac",
	Disk:  "disk",
	Board: "board",
}

func (c Component) String() string {
	if c < 0 || int(c) >= ComponentCount {
		return "unknown"
	}
	return componentNames[c]
}

// Components lists every slot in fingerprint order.
func Components() []Component {
	return []Component{CPU, BIOS, MAC, Disk, Board}
}

// Set is an ordered list of hashed component fingerprints.
type Set []string

// Available counts the slots that hold a real fingerprint.
func (s Set) Available() int {
	n := 0
	for _, fp := range s {
		if fp != Unavailable && fp != "" {
			n++
		}
	}
	return n
}

// Probe reads the raw identifier for one component.
type Probe func(ctx context.Context) (string, error)

// placeholderValues are vendor defaults that identify nothing.
var placeholderValues = []string{
	"",
	"TO BE FILLED BY O.E.M.",
	"TO BE FILLED BY OEM",
	"DEFAULT STRING",
	"NONE",
	"N/A",
	"NOT APPLICABLE",
	"NOT SPECIFIED",
	"SYSTEM SERIAL NUMBER",
	"BASE BOARD SERIAL NUMBER",
	"CHASSIS SERIAL NUMBER",
	"INVALID",
}

// HashComponent normalizes a raw hardware identifier and returns its SHA-256
// hex digest, or Unavailable for empty and vendor placeholder values.
func HashComponent(raw string) string {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if slices.Contains(placeholderValues, normalized) {
		return Unavailable
	}
	if allZero(normalized) {
		return Unavailable
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func allZero(s string) bool {
	seen := false
	for _, r := range s {
		switch r {
		case '0':
			seen = true
		case ':', '-', ' ', '.':
		default:
			return false
		}
	}
	return seen
}

// Generator computes the fingerprint set of the running machine.
type Generator struct {
	probes   map[Component]Probe
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	mu       sync.RWMutex
	cache    Set
	cachedAt time.Time
}

// Option configures a Generator
type Option func(*Generator)

// WithProbe replaces the probe for one component.
func WithProbe(c Component, p Probe) Option {
	return func(g *Generator) { g.probes[c] = p }
}

// WithTTL sets how long a generated set is reused. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(g *Generator) { g.ttl = ttl }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock injects the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator returns a Generator using the probes for the current OS.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		probes: defaultProbes(),
		ttl:    time.Hour,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "hardware_fingerprint"))
	return g
}

// Generate returns the five hashed component fingerprints in fixed order. A
// component whose probe fails is reported as Unavailable; generation itself
// only fails when ctx is done.
func (g *Generator) Generate(ctx context.Context) (Set, error) {
	g.mu.RLock()
	if g.cache != nil && g.ttl > 0 && g.now().Before(g.cachedAt.Add(g.ttl)) {
		cached := append(Set(nil), g.cache...)
		g.mu.RUnlock()
		return cached, nil
	}
	g.mu.RUnlock()

	start := time.Now()
	set := make(Set, ComponentCount)
	for _, c := range Components() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set[c] = g.probe(ctx, c)
	}

	g.mu.Lock()
	g.cache = append(Set(nil), set...)
	g.cachedAt = g.now()
	g.mu.Unlock()

	g.logger.DebugContext(ctx, "fingerprint set generated",
		slog.Int("available", set.Available()),
		slog.Duration("duration", time.Since(start)))

	return set, nil
}

func (g *Generator) probe(ctx context.Context, c Component) string {
	p, ok := g.probes[c]
	if !ok || p == nil {
		return Unavailable
	}
	raw, err := p(ctx)
	if err != nil {
		// raw values never reach the log
		g.logger.DebugContext(ctx, "hardware probe unavailable",
			slog.String("slot", c.String()),
			slog.String("error", err.Error()))
		return Unavailable
	}
	return HashComponent(raw)
}

// ClearCache forces the next Generate to probe again.
func (g *Generator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = nil
	g.cachedAt = time.Time{}
}

// CompareFingerprintSets counts positions where both sets hold the same
// fingerprint. Unavailable on either side never counts as a match.
func CompareFingerprintSets(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matches := 0
	for i := 0; i < n; i++ {
		if a[i] == "" || strings.EqualFold(a[i], Unavailable) || strings.EqualFold(b[i], Unavailable) {
			continue
		}
		if strings.EqualFold(a[i], b[i]) {
			matches++
		}
	}
	return matches
}
