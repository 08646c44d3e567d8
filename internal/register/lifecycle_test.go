package register

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/example/bond-register/internal/access"
)

type LifecycleTestSuite struct {
	suite.Suite
	f   *fixture
	ctx context.Context
}

func (s *LifecycleTestSuite) SetupTest() {
	s.f = newFixture(s.T())
	s.ctx = context.Background()
}

func (s *LifecycleTestSuite) TestDraftToIssued() {
	reg := s.f.reg

	s.ErrorIs(reg.Issue(s.ctx, bnd), ErrInvalidStatus)
	s.ErrorIs(reg.MakeReady(s.ctx, stranger), ErrUnauthorized)

	s.NoError(reg.MakeReady(s.ctx, cak))
	s.Equal(StatusReady, reg.Status())
	s.Equal(int64(1000), reg.Balance(DefaultPrimaryAccount))
	s.ErrorIs(reg.MakeReady(s.ctx, cak), ErrInvalidStatus)

	s.ErrorIs(reg.Issue(s.ctx, stranger), ErrUnauthorized)
	s.NoError(reg.Issue(s.ctx, bnd))
	s.Equal(StatusIssued, reg.Status())

	s.ErrorIs(reg.Mint(s.ctx, cak, 1), ErrInvalidStatus)
	s.ErrorIs(reg.RevertReady(s.ctx, cak), ErrInvalidStatus)
}

func (s *LifecycleTestSuite) TestRevertReady() {
	reg := s.f.reg

	s.NoError(reg.MakeReady(s.ctx, cak))
	s.NoError(reg.RevertReady(s.ctx, cak))
	s.Equal(StatusDraft, reg.Status())
	s.Equal(int64(0), reg.TotalSupply())
	s.Equal(int64(0), reg.Balance(DefaultPrimaryAccount))

	s.NoError(reg.MakeReady(s.ctx, cak))
	s.NoError(reg.Transfer(s.ctx, cak, DefaultPrimaryAccount, investorA, 1))
	s.ErrorIs(reg.RevertReady(s.ctx, cak), ErrInvalidStatus)
	s.Equal(StatusReady, reg.Status())
}

func (s *LifecycleTestSuite) TestMakeReadyMintsOnlyTheMissingSupply() {
	reg := s.f.reg

	s.NoError(reg.Mint(s.ctx, cak, 300))
	s.NoError(reg.MakeReady(s.ctx, cak))
	s.Equal(int64(1000), reg.TotalSupply())
}

func (s *LifecycleTestSuite) TestBondDataOnlyInDraft() {
	reg := s.f.reg

	terms := testTerms()
	terms.Name = "EIB 5Y"
	terms.CouponDates = []time.Time{d2}
	s.ErrorIs(reg.SetBondData(s.ctx, stranger, terms), ErrUnauthorized)
	s.NoError(reg.SetBondData(s.ctx, cak, terms))
	s.Equal("EIB 5Y", reg.BondData().Terms.Name)
	s.Equal(d2, reg.CurrentCouponDate())

	bad := terms
	bad.CouponDates = []time.Time{issuance}
	s.ErrorIs(reg.SetBondData(s.ctx, cak, bad), ErrInvalidTerms)

	s.NoError(reg.SetExpectedSupply(s.ctx, cak, 2500))
	s.ErrorIs(reg.SetExpectedSupply(s.ctx, cak, -1), ErrInvalidQuantity)
	s.NoError(reg.MakeReady(s.ctx, cak))
	s.Equal(int64(2500), reg.TotalSupply())

	s.ErrorIs(reg.SetBondData(s.ctx, cak, terms), ErrInvalidStatus)
	s.ErrorIs(reg.SetExpectedSupply(s.ctx, cak, 10), ErrInvalidStatus)
}

func (s *LifecycleTestSuite) TestStatusEventsAreEmitted() {
	s.NoError(s.f.reg.MakeReady(s.ctx, cak))
	s.NoError(s.f.reg.Issue(s.ctx, bnd))

	var statuses []string
	for _, e := range s.f.sink.events {
		if e.Kind == EventRegisterStatusChanged {
			statuses = append(statuses, e.Status)
		}
	}
	s.Equal([]string{"ready", "issued"}, statuses)
}

func (s *LifecycleTestSuite) TestWhitelistedCallerCanIssue() {
	s.NoError(s.f.acl.Whitelist(access.ListCallers, "primary-distribution"))
	s.NoError(s.f.reg.MakeReady(s.ctx, cak))
	s.NoError(s.f.reg.Issue(s.ctx, "primary-distribution"))
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}
