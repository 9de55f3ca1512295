package ticket

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Consumption failure reasons. The message text is what the client sees.
var (
	ErrInvalid = errors.New("Invalid or expired ticket.")
	ErrUsed    = errors.New("Ticket already used.")
	ErrExpired = errors.New("Ticket expired.")
)

// Target identifies the container a ticket grants access to.
type Target struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
}

// Meta records who issued or consumed a ticket.
type Meta struct {
	RemoteAddr string
	UserAgent  string
}

type record struct {
	kubeconfig string
	target     Target
	issuedBy   Meta
	expiresAt  time.Time
	used       bool
}

// Store issues and consumes single-use, TTL-bound tickets binding a
// kubeconfig and an exec target to a future WebSocket connection. State is
// process-local; a restart invalidates every outstanding ticket.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	ttl     time.Duration
	logger  *logrus.Logger

	now func() time.Time // overridable in tests
}

// NewStore creates a ticket store with the given ticket lifetime.
func NewStore(ttl time.Duration, logger *logrus.Logger) *Store {
	return &Store{
		records: make(map[string]*record),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Issue registers a fresh single-use ticket and returns its id and expiry.
func (s *Store) Issue(kubeconfig string, target Target, issuer Meta) (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	id := uuid.NewString()
	expiresAt := now.Add(s.ttl)
	s.records[id] = &record{
		kubeconfig: kubeconfig,
		target:     target,
		issuedBy:   issuer,
		expiresAt:  expiresAt,
	}

	s.logger.WithFields(logrus.Fields{
		"namespace":   target.Namespace,
		"pod":         target.Pod,
		"remote_addr": issuer.RemoteAddr,
		"outstanding": len(s.records),
	}).Debug("Ticket issued")

	return id, expiresAt
}

// Consume atomically takes a ticket. On success the ticket is marked used
// and cannot be consumed again; the sweeper removes it once its TTL passes.
func (s *Store) Consume(id string, consumer Meta) (string, Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	rec, ok := s.records[id]
	if !ok {
		return "", Target{}, ErrInvalid
	}
	if rec.used {
		return "", Target{}, ErrUsed
	}
	if !rec.expiresAt.After(now) {
		delete(s.records, id)
		return "", Target{}, ErrExpired
	}
	rec.used = true

	s.sweepLocked(now)

	s.logger.WithFields(logrus.Fields{
		"namespace":   rec.target.Namespace,
		"pod":         rec.target.Pod,
		"remote_addr": consumer.RemoteAddr,
	}).Debug("Ticket consumed")

	return rec.kubeconfig, rec.target, nil
}

// Outstanding returns the number of live records, used ones included.
func (s *Store) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// sweepLocked drops expired records. Used records stay until expiry so a
// replay within the TTL window is reported as used rather than invalid.
func (s *Store) sweepLocked(now time.Time) {
	for id, rec := range s.records {
		if !rec.expiresAt.After(now) {
			delete(s.records, id)
		}
	}
}
