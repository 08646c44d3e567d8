package register

import (
	"fmt"
	"strings"
	"time"
)

// Status is the register lifecycle state.
type Status int

const (
	StatusDraft Status = iota
	StatusReady
	StatusIssued
	StatusRepaid
)

var statusNames = map[Status]string{
	StatusDraft:  "draft",
	StatusReady:  "ready",
	StatusIssued: "issued",
	StatusRepaid: "repaid",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == strings.ToLower(string(b)) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown register status %q", string(b))
}

const secondsPerDay = 24 * 60 * 60

// BondTerms is the static description of the bond. Dates are calendar days in UTC.
type BondTerms struct {
	Name           string      `json:"name" toml:"name"`
	ISIN           string      `json:"isin" toml:"isin"`
	Currency       string      `json:"currency" toml:"currency"`
	UnitValue      int64       `json:"unit_value" toml:"unit_value"`
	CouponRate     int64       `json:"coupon_rate" toml:"coupon_rate"`
	RateScale      int64       `json:"rate_scale,omitempty" toml:"rate_scale"`
	CreationDate   time.Time   `json:"creation_date" toml:"creation_date"`
	IssuanceDate   time.Time   `json:"issuance_date" toml:"issuance_date"`
	MaturityDate   time.Time   `json:"maturity_date" toml:"maturity_date"`
	CutOffTime     int64       `json:"cut_off_time" toml:"cut_off_time"`
	ExpectedSupply int64       `json:"expected_supply" toml:"expected_supply"`
	CouponDates    []time.Time `json:"coupon_dates" toml:"coupon_dates"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CutOff returns the default cut-off as a duration after midnight.
func (t BondTerms) CutOff() time.Duration {
	return time.Duration(t.CutOffTime) * time.Second
}

// Scale returns the coupon rate divisor, never zero.
func (t BondTerms) Scale() int64 {
	if t.RateScale <= 0 {
		return 1
	}
	return t.RateScale
}

func (t BondTerms) normalized() BondTerms {
	out := t
	out.Name = strings.TrimSpace(t.Name)
	out.ISIN = strings.TrimSpace(t.ISIN)
	out.Currency = strings.TrimSpace(t.Currency)
	out.CreationDate = Day(t.CreationDate)
	out.IssuanceDate = Day(t.IssuanceDate)
	out.MaturityDate = Day(t.MaturityDate)
	out.CouponDates = make([]time.Time, len(t.CouponDates))
	for i, d := range t.CouponDates {
		out.CouponDates[i] = Day(d)
	}
	return out
}

// Validate checks the construction invariants. Coupon dates must be sorted, unique
// and strictly between issuance and maturity.
func (t BondTerms) Validate() error {
	t = t.normalized()
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTerms)
	case t.ISIN == "":
		return fmt.Errorf("%w: isin is required", ErrInvalidTerms)
	case t.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidTerms)
	case t.UnitValue <= 0:
		return fmt.Errorf("%w: unit value must be positive", ErrInvalidTerms)
	case t.CouponRate < 0:
		return fmt.Errorf("%w: coupon rate must not be negative", ErrInvalidTerms)
	case t.ExpectedSupply < 0:
		return fmt.Errorf("%w: expected supply must not be negative", ErrInvalidTerms)
	case t.CutOffTime < 0 || t.CutOffTime >= secondsPerDay:
		return fmt.Errorf("%w: cut-off time must be within a day", ErrInvalidTerms)
	case t.IssuanceDate.IsZero() || t.MaturityDate.IsZero():
		return fmt.Errorf("%w: issuance and maturity dates are required", ErrInvalidTerms)
	case !t.IssuanceDate.Before(t.MaturityDate):
		return fmt.Errorf("%w: issuance date must precede maturity date", ErrInvalidTerms)
	case !t.CreationDate.IsZero() && t.CreationDate.After(t.IssuanceDate):
		return fmt.Errorf("%w: creation date must not follow issuance date", ErrInvalidTerms)
	}

	for i, d := range t.CouponDates {
		if !d.After(t.IssuanceDate) || !d.Before(t.MaturityDate) {
			return fmt.Errorf("%w: coupon date %s: %v", ErrInvalidTerms, d.Format(time.DateOnly), ErrOutOfRange)
		}
		if i > 0 && !d.After(t.CouponDates[i-1]) {
			return fmt.Errorf("%w: coupon dates must be sorted and unique", ErrInvalidTerms)
		}
	}
	return nil
}
