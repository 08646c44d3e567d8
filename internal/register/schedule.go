package register

import (
	"sort"
	"time"
)

// schedule holds the coupon dates and the settlement pointer. Maturity is the
// implicit final entry and is never stored in dates.
type schedule struct {
	dates    []time.Time
	issuance time.Time
	maturity time.Time
	cutOff   time.Duration
	current  time.Time
	// pinned settlement instants recorded by claims, keyed by date.
	pinned map[int64]time.Time
}

func newSchedule(t BondTerms) *schedule {
	s := &schedule{
		dates:    append([]time.Time(nil), t.CouponDates...),
		issuance: t.IssuanceDate,
		maturity: t.MaturityDate,
		cutOff:   t.CutOff(),
		pinned:   make(map[int64]time.Time),
	}
	s.current = s.first()
	return s
}

func (s *schedule) clone() *schedule {
	c := *s
	c.dates = append([]time.Time(nil), s.dates...)
	c.pinned = make(map[int64]time.Time, len(s.pinned))
	for k, v := range s.pinned {
		c.pinned[k] = v
	}
	return &c
}

func dateKey(d time.Time) int64 { return d.Unix() }

func (s *schedule) first() time.Time {
	if len(s.dates) > 0 {
		return s.dates[0]
	}
	return s.maturity
}

// instant is the settlement instant of d: the claimed instant when one was pinned,
// otherwise d plus the default cut-off.
func (s *schedule) instant(d time.Time) time.Time {
	if at, ok := s.pinned[dateKey(d)]; ok {
		return at
	}
	return d.Add(s.cutOff)
}

func (s *schedule) claimed(d time.Time) bool {
	_, ok := s.pinned[dateKey(d)]
	return ok
}

func (s *schedule) index(d time.Time) (int, bool) {
	i := sort.Search(len(s.dates), func(i int) bool { return !s.dates[i].Before(d) })
	return i, i < len(s.dates) && s.dates[i].Equal(d)
}

func (s *schedule) hasCoupon(d time.Time) bool {
	_, ok := s.index(d)
	return ok
}

func (s *schedule) isSettlementDate(d time.Time) bool {
	return d.Equal(s.maturity) || s.hasCoupon(d)
}

// successor returns the settlement date that follows d, or false at maturity.
func (s *schedule) successor(d time.Time) (time.Time, bool) {
	if !d.Before(s.maturity) {
		return time.Time{}, false
	}
	i := sort.Search(len(s.dates), func(i int) bool { return s.dates[i].After(d) })
	if i < len(s.dates) {
		return s.dates[i], true
	}
	return s.maturity, true
}

// next is the date following current, zero once current is maturity.
func (s *schedule) next() time.Time {
	n, _ := s.successor(s.current)
	return n
}

func (s *schedule) nextInstant() time.Time {
	n, ok := s.successor(s.current)
	if !ok {
		return time.Time{}
	}
	return s.instant(n)
}

// latestOnOrBefore returns the last settlement date not after d.
func (s *schedule) latestOnOrBefore(d time.Time) (time.Time, bool) {
	if !d.Before(s.maturity) {
		return s.maturity, true
	}
	i := sort.Search(len(s.dates), func(i int) bool { return s.dates[i].After(d) })
	if i == 0 {
		return time.Time{}, false
	}
	return s.dates[i-1], true
}

// insert adds d keeping the dates sorted. Range and duplicate checks only;
// temporal rules live with the register which owns the snapshots.
func (s *schedule) insert(d time.Time) error {
	if !d.Before(s.maturity) || !d.After(s.issuance) {
		return ErrOutOfRange
	}
	i, found := s.index(d)
	if found {
		return ErrDuplicateDate
	}
	s.dates = append(s.dates, time.Time{})
	copy(s.dates[i+1:], s.dates[i:])
	s.dates[i] = d
	if d.Before(s.current) {
		s.current = d
	}
	return nil
}

func (s *schedule) remove(d time.Time) error {
	i, found := s.index(d)
	if !found {
		return ErrDateNotFound
	}
	wasCurrent := s.current.Equal(d)
	s.dates = append(s.dates[:i], s.dates[i+1:]...)
	if wasCurrent {
		n, _ := s.successor(d)
		s.current = n
	}
	return nil
}

func (s *schedule) couponDates() []time.Time {
	return append([]time.Time(nil), s.dates...)
}
