package reimport

import "sync"

// Ledger counts admissions per day.
//
// A counter grows by one per admission and only shrinks through Refund. When
// a day that has already used max admissions is offered again it is denied
// and its entry is dropped, so the map only holds days that are still in play.
type Ledger struct {
	mu       sync.Mutex
	max      int
	attempts map[Day]int
}

func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = DefaultMaxAttemptsPerDay
	}
	return &Ledger{max: max, attempts: make(map[Day]int)}
}

// Admit records one more attempt for day. It returns false (and forgets the
// day) when the cap was already reached.
func (l *Ledger) Admit(day Day) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.attempts[day]
	if n >= l.max {
		delete(l.attempts, day)
		return false
	}
	l.attempts[day] = n + 1
	return true
}

// Refund takes back one admission for day, dropping the entry at zero.
func (l *Ledger) Refund(day Day) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.attempts[day]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.attempts, day)
		return
	}
	l.attempts[day] = n - 1
}

// Reset forgets day.
func (l *Ledger) Reset(day Day) {
	l.mu.Lock()
	delete(l.attempts, day)
	l.mu.Unlock()
}

func (l *Ledger) Attempts(day Day) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.attempts[day]
	return n, ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

func (l *Ledger) Max() int { return l.max }
