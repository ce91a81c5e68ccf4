package assets

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures an exchange rate for a specific asset pair along with the
// timestamp reported by the upstream feed and the feed identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves an exchange rate for the provided base/quote asset pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that no feed could supply a quote within the
// configured freshness window.
var ErrNoFreshQuote = errors.New("assets: no fresh oracle quote available")

// FeedHealth captures metadata about individual feed observations.
type FeedHealth struct {
	Base         string
	Quote        string
	LastObserved time.Time
	Observations int
}

// Pair renders the canonical pair string in BASE/QUOTE form.
func (fh FeedHealth) Pair() string {
	base := strings.TrimSpace(fh.Base)
	quote := strings.TrimSpace(fh.Quote)
	if base == "" {
		return quote
	}
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// OracleHealth aggregates health information for all tracked pairs.
type OracleHealth struct {
	Feeds []FeedHealth
}

// OracleAggregator consults a list of registered feeds in priority order until
// a fresh quote is obtained. The aggregator enforces the protocol's
// maxPriceFeedAge so stale feeds surface as ErrNoFreshQuote instead of a
// silently outdated rate.
type OracleAggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
	history  map[string]FeedHealth
	nowFn    func() time.Time
}

// NewOracleAggregator constructs a new aggregator with the provided priority
// and freshness window.
func NewOracleAggregator(priority []string, maxAge time.Duration) *OracleAggregator {
	return &OracleAggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
		history:  make(map[string]FeedHealth),
		nowFn:    time.Now,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *OracleAggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (a *OracleAggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored in lowercase to ensure lookups remain consistent regardless of
// configuration casing.
func (a *OracleAggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate fetches a rate from the configured feeds respecting the priority
// ordering. Quotes older than the freshness window are rejected and the next
// feed consulted. The returned quote is a defensive copy.
func (a *OracleAggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("assets: oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	now := a.nowFn()
	a.mu.RUnlock()

	baseSym := NormalizeSymbol(base)
	quoteSym := NormalizeSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("assets: base and quote required")
	}

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		oracle := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if oracle == nil {
			continue
		}
		result, err := oracle.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = err
			continue
		}
		if result.Rate == nil || result.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("assets: feed %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && result.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		clone := result.Clone()
		if strings.TrimSpace(clone.Source) == "" {
			clone.Source = strings.ToLower(name)
		}
		a.recordObservation(baseSym, quoteSym, clone)
		return clone, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

func (a *OracleAggregator) recordObservation(base, quote string, q PriceQuote) {
	key := base + ":" + quote
	a.mu.Lock()
	defer a.mu.Unlock()
	health := a.history[key]
	health.Base = base
	health.Quote = quote
	health.LastObserved = q.Timestamp
	health.Observations++
	a.history[key] = health
}

// Health reports the last observation timestamp and sample counts for each
// tracked pair. The information is safe for concurrent access.
func (a *OracleAggregator) Health() OracleHealth {
	if a == nil {
		return OracleHealth{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	feeds := make([]FeedHealth, 0, len(a.history))
	for _, health := range a.history {
		feeds = append(feeds, health)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Pair() < feeds[j].Pair()
	})
	return OracleHealth{Feeds: feeds}
}

// ManualOracle provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

func manualKey(base, quote string) string {
	return NormalizeSymbol(base) + "_" + NormalizeSymbol(quote)
}

// SetDecimal records the supplied decimal rate for the asset pair using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(base, quote, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("assets: manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("assets: manual oracle rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("assets: manual oracle invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("assets: manual oracle rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Set stores the provided rational rate for the asset pair.
func (m *ManualOracle) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	key := manualKey(base, quote)
	m.mu.Lock()
	m.quotes[key] = PriceQuote{Rate: new(big.Rat).Set(rate), Timestamp: ts, Source: "manual"}
	m.mu.Unlock()
}

// GetRate retrieves the stored rate for the asset pair.
func (m *ManualOracle) GetRate(base, quote string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("assets: manual oracle not configured")
	}
	key := manualKey(base, quote)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("assets: quote for %s/%s not found", base, quote)
	}
	return stored.Clone(), nil
}

// NormalizeSymbol canonicalises asset symbols for consistent lookups.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
