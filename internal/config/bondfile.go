package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/register"
)

// BondFile is the TOML document describing one bond and its initial
// participants. Dates are written as YYYY-MM-DD strings.
type BondFile struct {
	PrimaryAccount string        `toml:"primary_account"`
	Bond           BondSection   `toml:"bond"`
	Grants         []Grant       `toml:"grants"`
	Whitelist      WhitelistSpec `toml:"whitelist"`
	Clients        []ClientSpec  `toml:"clients"`
}

// BondSection carries the bond terms as written in the bond file and in
// API request bodies.
type BondSection struct {
	Name           string   `toml:"name" json:"name"`
	ISIN           string   `toml:"isin" json:"isin"`
	Currency       string   `toml:"currency" json:"currency"`
	UnitValue      int64    `toml:"unit_value" json:"unit_value"`
	CouponRate     int64    `toml:"coupon_rate" json:"coupon_rate"`
	RateScale      int64    `toml:"rate_scale" json:"rate_scale"`
	CreationDate   string   `toml:"creation_date" json:"creation_date"`
	IssuanceDate   string   `toml:"issuance_date" json:"issuance_date"`
	MaturityDate   string   `toml:"maturity_date" json:"maturity_date"`
	CutOffTime     string   `toml:"cut_off_time" json:"cut_off_time"` // HH:MM[:SS]
	ExpectedSupply int64    `toml:"expected_supply" json:"expected_supply"`
	CouponDates    []string `toml:"coupon_dates" json:"coupon_dates"`
}

type Grant struct {
	Account string `toml:"account"`
	Role    string `toml:"role"`
}

type WhitelistSpec struct {
	Investors []string `toml:"investors"`
	Callers   []string `toml:"callers"`
}

// ClientSpec seeds an OAuth client. SecretHash is a bcrypt hash.
type ClientSpec struct {
	ClientID   string   `toml:"client_id"`
	SecretHash string   `toml:"secret_hash"`
	Account    string   `toml:"account"`
	Scopes     []string `toml:"scopes"`
}

// LoadBondFile decodes and checks the file at path.
func LoadBondFile(path string) (*BondFile, error) {
	var f BondFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode bond file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("bond file %s: unknown keys %v", path, undecoded)
	}
	if _, err := f.Terms(); err != nil {
		return nil, fmt.Errorf("bond file %s: %w", path, err)
	}
	for _, g := range f.Grants {
		if _, err := access.ParseRole(g.Role); err != nil {
			return nil, fmt.Errorf("bond file %s: grant for %s: %w", path, g.Account, err)
		}
	}
	return &f, nil
}

// Terms converts the bond section into validated register terms.
func (f *BondFile) Terms() (register.BondTerms, error) {
	return f.Bond.Terms()
}

func (b BondSection) Terms() (register.BondTerms, error) {
	t := register.BondTerms{
		Name:           b.Name,
		ISIN:           b.ISIN,
		Currency:       b.Currency,
		UnitValue:      b.UnitValue,
		CouponRate:     b.CouponRate,
		RateScale:      b.RateScale,
		ExpectedSupply: b.ExpectedSupply,
	}

	var err error
	if t.CreationDate, err = ParseDate("creation_date", b.CreationDate, true); err != nil {
		return t, err
	}
	if t.IssuanceDate, err = ParseDate("issuance_date", b.IssuanceDate, false); err != nil {
		return t, err
	}
	if t.MaturityDate, err = ParseDate("maturity_date", b.MaturityDate, false); err != nil {
		return t, err
	}
	for _, s := range b.CouponDates {
		d, err := ParseDate("coupon_dates", s, false)
		if err != nil {
			return t, err
		}
		t.CouponDates = append(t.CouponDates, d)
	}
	if t.CutOffTime, err = parseClock(b.CutOffTime); err != nil {
		return t, err
	}
	return t, t.Validate()
}

// Apply seeds roles and whitelists into m.
func (f *BondFile) Apply(m *access.Manager) error {
	for _, g := range f.Grants {
		role, err := access.ParseRole(g.Role)
		if err != nil {
			return err
		}
		if err := m.Grant(g.Account, role); err != nil {
			return fmt.Errorf("grant %s to %s: %w", role, g.Account, err)
		}
	}
	for _, a := range f.Whitelist.Investors {
		if err := m.Whitelist(access.ListInvestors, a); err != nil {
			return err
		}
	}
	for _, a := range f.Whitelist.Callers {
		if err := m.Whitelist(access.ListCallers, a); err != nil {
			return err
		}
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD value. An empty optional value yields the
// zero time.
func ParseDate(field, s string, optional bool) (time.Time, error) {
	if s == "" && optional {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// parseClock turns HH:MM or HH:MM:SS into seconds after midnight.
func parseClock(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	for _, layout := range []string{time.TimeOnly, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return int64(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("cut_off_time: %q is not HH:MM[:SS]", s)
}
