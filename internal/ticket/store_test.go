package ticket

import (
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testStore(ttl time.Duration) (*Store, *time.Time) {
	s := NewStore(ttl, testLogger())
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestIssueAndConsume(t *testing.T) {
	s, _ := testStore(time.Minute)

	target := Target{Namespace: "default", Pod: "p", Container: "c"}
	id, expiresAt := s.Issue("kubeconfig-bytes", target, Meta{RemoteAddr: "10.0.0.1"})
	if id == "" {
		t.Fatal("empty ticket id")
	}
	if !expiresAt.After(time.Now().Add(50 * time.Second)) {
		t.Errorf("expiry too soon: %v", expiresAt)
	}

	kubeconfig, got, err := s.Consume(id, Meta{})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if kubeconfig != "kubeconfig-bytes" {
		t.Errorf("kubeconfig = %q", kubeconfig)
	}
	if !reflect.DeepEqual(got, target) {
		t.Errorf("target = %+v, want %+v", got, target)
	}
}

func TestConsumeTwiceReportsUsed(t *testing.T) {
	s, _ := testStore(time.Minute)
	id, _ := s.Issue("kc", Target{Namespace: "ns", Pod: "p"}, Meta{})

	if _, _, err := s.Consume(id, Meta{}); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, _, err := s.Consume(id, Meta{})
	if !errors.Is(err, ErrUsed) {
		t.Fatalf("second consume err = %v, want ErrUsed", err)
	}
	if err.Error() != "Ticket already used." {
		t.Errorf("message = %q", err.Error())
	}
}

func TestConsumeUnknownReportsInvalid(t *testing.T) {
	s, _ := testStore(time.Minute)
	_, _, err := s.Consume("no-such-ticket", Meta{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if err.Error() != "Invalid or expired ticket." {
		t.Errorf("message = %q", err.Error())
	}
}

func TestConsumeExpiredReportsExpired(t *testing.T) {
	s, now := testStore(100 * time.Millisecond)
	id, _ := s.Issue("kc", Target{Namespace: "ns", Pod: "p"}, Meta{})

	*now = now.Add(200 * time.Millisecond)
	_, _, err := s.Consume(id, Meta{})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if err.Error() != "Ticket expired." {
		t.Errorf("message = %q", err.Error())
	}

	// The record is gone now; a retry is indistinguishable from an
	// unknown ticket.
	if _, _, err := s.Consume(id, Meta{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("retry err = %v, want ErrInvalid", err)
	}
}

func TestSweepDropsExpiredOnIssue(t *testing.T) {
	s, now := testStore(time.Minute)
	s.Issue("kc", Target{Namespace: "ns", Pod: "a"}, Meta{})
	s.Issue("kc", Target{Namespace: "ns", Pod: "b"}, Meta{})
	if got := s.Outstanding(); got != 2 {
		t.Fatalf("outstanding = %d, want 2", got)
	}

	*now = now.Add(2 * time.Minute)
	s.Issue("kc", Target{Namespace: "ns", Pod: "c"}, Meta{})
	if got := s.Outstanding(); got != 1 {
		t.Fatalf("outstanding after sweep = %d, want 1", got)
	}
}

func TestUsedRecordSweptAfterExpiry(t *testing.T) {
	s, now := testStore(time.Minute)
	id, _ := s.Issue("kc", Target{Namespace: "ns", Pod: "p"}, Meta{})
	if _, _, err := s.Consume(id, Meta{}); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(2 * time.Minute)
	if _, _, err := s.Consume(id, Meta{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("post-expiry replay err = %v, want ErrInvalid", err)
	}
}

func TestTicketIDsAreUnique(t *testing.T) {
	s, _ := testStore(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _ := s.Issue("kc", Target{Namespace: "ns", Pod: "p"}, Meta{})
		if seen[id] {
			t.Fatalf("duplicate ticket id %s", id)
		}
		seen[id] = true
	}
}
