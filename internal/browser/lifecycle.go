package browser

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/config"
)

// ErrNoActivePage signals that page objects were requested while the
// execution session holds no live page. This is a framework
// resource-management failure, distinct from an ordinary step failure.
var ErrNoActivePage = errors.New("no active page available in execution session")

// Session is the single explicit execution-session value threaded into
// step invocations: the current page plus its liveness, replacing ambient
// "current page" lookups.
type Session struct {
	mu   sync.RWMutex
	page PageHandle
}

func NewSession() *Session { return &Session{} }

// SetPage installs the page for subsequent steps.
func (s *Session) SetPage(p PageHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p
}

// Current returns the session page, which may be nil.
func (s *Session) Current() PageHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

// Live reports whether the session holds an open page.
func (s *Session) Live() bool {
	p := s.Current()
	return p != nil && !pageDead(p)
}

// PageFactory constructs a page object bound to a page. Factories are an
// explicit registration map populated at step-library construction time;
// there is no runtime reflection over handler fields.
type PageFactory func(page PageHandle) any

// Disposable is the optional cleanup hook a page object may expose.
type Disposable interface {
	Dispose()
}

type cachedObject struct {
	obj  any
	page PageHandle
}

// Lifecycle decides when cached page objects must be discarded and
// recreated. The browser-management strategy is read fresh from
// configuration on every check so a strategy change takes effect
// immediately.
type Lifecycle struct {
	session  *Session
	strategy func() string

	mu        sync.Mutex
	factories map[string]PageFactory
	cache     map[string]cachedObject
}

func NewLifecycle(session *Session, strategy func() string) *Lifecycle {
	return &Lifecycle{
		session:   session,
		strategy:  strategy,
		factories: make(map[string]PageFactory),
		cache:     make(map[string]cachedObject),
	}
}

// RegisterFactory maps a page-object name to its constructor.
func (l *Lifecycle) RegisterFactory(name string, f PageFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Refresh applies the reinitialization policy. Under new-per-scenario
// every cached object is discarded; under reuse-browser an object survives
// only if its bound page is still open and still the session's current
// page. A liveness check that panics counts as dead: better to rebuild
// than to operate on a dead page.
func (l *Lifecycle) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.strategy() == config.StrategyNewPerScenario {
		l.discardAllLocked()
		return
	}

	current := l.session.Current()
	for name, cached := range l.cache {
		if pageDead(cached.page) || current == nil || cached.page.ID() != current.ID() {
			l.disposeLocked(name, cached)
		}
	}
}

// DiscardAll drops every cached page object regardless of strategy. Used
// at scenario boundaries under new-per-scenario and during cleanup.
func (l *Lifecycle) DiscardAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discardAllLocked()
}

func (l *Lifecycle) discardAllLocked() {
	for name, cached := range l.cache {
		l.disposeLocked(name, cached)
	}
}

func (l *Lifecycle) disposeLocked(name string, cached cachedObject) {
	if d, ok := cached.obj.(Disposable); ok {
		d.Dispose()
	}
	delete(l.cache, name)
}

// Get returns the cached page object for name, constructing it against the
// session's current page if needed. Names without a registered factory are
// skipped with a warning rather than failing the run; requesting an object
// with no live page in the session is fatal for the scenario.
func (l *Lifecycle) Get(name string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[name]; ok {
		return cached.obj, nil
	}

	factory, ok := l.factories[name]
	if !ok {
		log.Warn().Str("page_object", name).Msg("no factory registered, skipping page object")
		return nil, nil
	}

	page := l.session.Current()
	if page == nil || pageDead(page) {
		return nil, ErrNoActivePage
	}

	obj := factory(page)
	l.cache[name] = cachedObject{obj: obj, page: page}
	return obj, nil
}

// pageDead treats any panic during the liveness check as "dead".
func pageDead(p PageHandle) (dead bool) {
	defer func() {
		if recover() != nil {
			dead = true
		}
	}()
	return p.Closed()
}
