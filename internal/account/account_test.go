package account

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/store"
)

func TestCreateUser(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "  alice ")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 || u.Username != "alice" {
		t.Errorf("unexpected user %+v", u)
	}
	if _, err := svc.CreateUser(ctx, "alice"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, " "); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestCreatePortfolio(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()
	u, _ := svc.CreateUser(ctx, "bob")

	p, err := svc.CreatePortfolio(ctx, u.ID, "Retirement", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrencyCode != "USD" || !p.CashBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected 10000 USD default, got %s %s", p.CashBalance, p.CurrencyCode)
	}

	p2, err := svc.CreatePortfolio(ctx, u.ID, "", "gbp")
	if err != nil {
		t.Fatal(err)
	}
	if p2.CurrencyCode != "GBP" || p2.Name == "" {
		t.Errorf("unexpected portfolio %+v", p2)
	}

	if _, err := svc.CreatePortfolio(ctx, u.ID, "x", "DOGE"); !errors.Is(err, fx.ErrUnsupportedCurrency) {
		t.Errorf("expected ErrUnsupportedCurrency, got %v", err)
	}
	if _, err := svc.CreatePortfolio(ctx, 999, "x", "USD"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	list, err := svc.ListPortfolios(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != p.ID {
		t.Errorf("expected both portfolios oldest first, got %+v", list)
	}
	if _, err := svc.GetPortfolio(ctx, 12345); !errors.Is(err, ErrPortfolioNotFound) {
		t.Errorf("expected ErrPortfolioNotFound, got %v", err)
	}
}

func TestListAssets(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	ctx := context.Background()

	early := &model.Asset{Symbol: "MSFT", Type: model.AssetStocks}
	late := &model.Asset{Symbol: "ETH-USD", Type: model.AssetCrypto}
	fund := &model.Asset{Symbol: "VFIAX", Type: model.AssetMutualFunds}
	for _, a := range []*model.Asset{early, late, fund} {
		st.UpsertAsset(ctx, a)
	}
	st.UpsertPrices(ctx, []model.PricePoint{
		{AssetID: early.ID, Date: date.MustParse("2010-01-04"), AdjClose: decimal.NewFromInt(30)},
		{AssetID: late.ID, Date: date.MustParse("2017-01-01"), AdjClose: decimal.NewFromInt(8)},
		{AssetID: fund.ID, Date: date.MustParse("2010-01-04"), AdjClose: decimal.NewFromInt(100)},
	})

	all, err := svc.ListAssets(ctx, date.Date{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("mutual funds must be excluded, got %+v", all)
	}

	at2012, _ := svc.ListAssets(ctx, date.MustParse("2012-06-01"))
	if len(at2012) != 1 || at2012[0].Symbol != "MSFT" {
		t.Errorf("expected only MSFT in 2012, got %+v", at2012)
	}
}
