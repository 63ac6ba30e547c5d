package couchguard

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Lifecycle event names. These are the complete catalogue; the core never
// emits anything else.
const (
	EventSignup         = "signup"
	EventLogin          = "login"
	EventRefresh        = "refresh"
	EventLogout         = "logout"
	EventLogoutAll      = "logout-all"
	EventPasswordReset  = "password-reset"
	EventPasswordChange = "password-change"
	EventForgotPassword = "forgot-password"
	EventEmailVerified  = "email-verified"
	EventEmailChanged   = "email-changed"
	EventPhoneChanged   = "phone-changed"
	EventUserDBAdded    = "user-db-added"
	EventUserDBRemoved  = "user-db-removed"
)

// Event is one lifecycle notification. Fields beyond Name are populated
// when they make sense for the event.
type Event struct {
	Name     string
	UserID   string
	Provider string
	// Session is the session key for login/refresh/logout events.
	Session string
	// DB is the logical database name for user-db events.
	DB string
}

// Listener receives events. Listeners run on the dispatcher goroutine and
// must not block for long; panics are contained and logged.
type Listener func(Event)

// Events fans lifecycle notifications out to subscribers through a buffered
// channel. Emission never blocks the calling operation: when the buffer is
// full the event is dropped and counted.
type Events struct {
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	log     zerolog.Logger
	dropped atomic.Uint64
	closed  atomic.Bool
	once    sync.Once

	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewEvents starts a dispatcher with the given buffer size; a size of zero
// or less uses 64.
func NewEvents(bufferSize int, log zerolog.Logger) *Events {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	e := &Events{
		ch:        make(chan Event, bufferSize),
		done:      make(chan struct{}),
		log:       log,
		listeners: map[string][]Listener{},
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// On subscribes fn to the named event. Subscribing to "*" receives every
// event.
func (e *Events) On(name string, fn Listener) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners[name] = append(e.listeners[name], fn)
	e.mu.Unlock()
}

// Emit queues ev for delivery.
func (e *Events) Emit(ev Event) {
	if e == nil || e.closed.Load() {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.done:
	default:
		e.dropped.Add(1)
	}
}

func (e *Events) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.ch:
			e.deliver(ev)
		case <-e.done:
			for {
				select {
				case ev := <-e.ch:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Events) deliver(ev Event) {
	e.mu.RLock()
	targets := append([]Listener(nil), e.listeners[ev.Name]...)
	targets = append(targets, e.listeners["*"]...)
	e.mu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Str("event", ev.Name).Any("panic", r).Msg("event listener panicked")
				}
			}()
			fn(ev)
		}()
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (e *Events) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close drains pending events and stops the dispatcher.
func (e *Events) Close() {
	if e == nil {
		return
	}
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.wg.Wait()
	})
}
