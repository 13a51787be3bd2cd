package server

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// viewerIdle is how long an unused budget is kept before it is dropped.
const viewerIdle = 10 * time.Minute

// viewerKey is one viewer's traffic for one deck. The deck list has the
// empty deck.
type viewerKey struct {
	addr string
	deck string
}

type viewerBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ViewerLimits throttles deck fetches and session opens per viewer and per
// deck. A tab stuck reconnecting to one deck spends only that deck's budget;
// the same viewer can still open the deck it drills into.
type ViewerLimits struct {
	limit   rate.Limit
	burst   int
	max     int
	now     func() time.Time
	log     *zap.Logger
	mu      sync.Mutex
	budgets map[viewerKey]*viewerBudget
	swept   time.Time
	evicted int
}

// NewViewerLimits allows rps requests per second with the given burst to
// each (viewer, deck) pair, tracking at most maxTracked pairs.
func NewViewerLimits(rps float64, burst, maxTracked int, logger *zap.Logger) *ViewerLimits {
	if maxTracked <= 0 {
		maxTracked = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewerLimits{
		limit:   rate.Limit(rps),
		burst:   burst,
		max:     maxTracked,
		now:     time.Now,
		log:     logger.Named("limits"),
		budgets: make(map[viewerKey]*viewerBudget),
	}
}

// Allow spends one request of addr's budget for deck.
func (l *ViewerLimits) Allow(addr, deck string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) >= viewerIdle {
		l.sweep(now)
	}

	key := viewerKey{addr: addr, deck: deck}
	b, ok := l.budgets[key]
	if !ok {
		if len(l.budgets) >= l.max {
			l.evictStalest()
		}
		b = &viewerBudget{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.budgets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Tracked returns the number of (viewer, deck) budgets held.
func (l *ViewerLimits) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.budgets)
}

func (l *ViewerLimits) sweep(now time.Time) {
	for key, b := range l.budgets {
		if now.Sub(b.lastSeen) > viewerIdle {
			delete(l.budgets, key)
		}
	}
	if l.evicted > 0 {
		l.log.Info("evicted viewer budgets at capacity", zap.Int("evicted", l.evicted), zap.Int("capacity", l.max))
		l.evicted = 0
	}
	l.swept = now
}

func (l *ViewerLimits) evictStalest() {
	var (
		stalest viewerKey
		oldest  time.Time
		found   bool
	)
	for key, b := range l.budgets {
		if !found || b.lastSeen.Before(oldest) {
			stalest, oldest, found = key, b.lastSeen, true
		}
	}
	if found {
		delete(l.budgets, stalest)
		l.evicted++
	}
}

// Middleware answers 429 once a request's viewer has spent its budget for
// the deck that deckOf names.
func (l *ViewerLimits) Middleware(deckOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(viewerAddr(r), deckOf(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deckFromPath names the deck of /api/decks/{id...}; the list has none.
func deckFromPath(r *http.Request) string {
	return r.PathValue("id")
}

// deckFromQuery names the deck a session is opened on.
func deckFromQuery(r *http.Request) string {
	return strings.Trim(r.URL.Query().Get("presentation"), "/")
}

// viewerAddr identifies the viewer behind r. Forwarding headers count only
// when the peer is a local proxy and they carry a valid address.
func viewerAddr(r *http.Request) string {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		addr, err := netip.ParseAddr(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		peer = netip.AddrPortFrom(addr, 0)
	}
	ip := peer.Addr().Unmap()

	if ip.IsLoopback() || ip.IsPrivate() {
		for _, forwarded := range []string{r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP")} {
			first, _, _ := strings.Cut(forwarded, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}
	return ip.String()
}

// dataOnlyHeaders marks every response as data. The server returns JSON and
// upgrades sessions, so nothing it sends may run, render or be framed.
func dataOnlyHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
