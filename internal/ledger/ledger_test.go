package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixture struct {
	st        *store.MemoryStore
	svc       *Service
	portfolio int64
}

// newFixture seeds AAPL at 100 on 2020-01-02 and 110 on 2020-01-06 and a
// USD portfolio holding `cash`.
func newFixture(t *testing.T, cash float64, currency string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	a := &model.Asset{Symbol: "AAPL", Name: "Apple", Type: model.AssetStocks}
	if err := st.UpsertAsset(ctx, a); err != nil {
		t.Fatal(err)
	}
	st.UpsertPrices(ctx, []model.PricePoint{
		{AssetID: a.ID, Date: date.MustParse("2020-01-02"), Close: d(100), AdjClose: d(100)},
		{AssetID: a.ID, Date: date.MustParse("2020-01-06"), Close: d(110), AdjClose: d(110)},
	})

	u := &model.User{Username: "trader"}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	p := &model.Portfolio{UserID: u.ID, Name: "main", CashBalance: d(cash), CurrencyCode: currency}
	if err := st.CreatePortfolio(ctx, p); err != nil {
		t.Fatal(err)
	}

	svc := NewService(st, pricing.NewResolver(st, st), fx.NewConverter(st, nil, 0), nil)
	return &fixture{st: st, svc: svc, portfolio: p.ID}
}

func (f *fixture) trade(side model.Side, qty float64, on string) (*TradeResult, error) {
	return f.svc.Trade(context.Background(), TradeRequest{
		PortfolioID: f.portfolio,
		Symbol:      "aapl",
		Side:        side,
		Quantity:    d(qty),
		Date:        date.MustParse(on),
	})
}

func (f *fixture) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := f.st.GetPortfolio(context.Background(), f.portfolio)
	if err != nil {
		t.Fatal(err)
	}
	return p.CashBalance
}

func (f *fixture) txnCount(t *testing.T) int {
	t.Helper()
	txns, err := f.st.Transactions(context.Background(), f.portfolio, date.Date{})
	if err != nil {
		t.Fatal(err)
	}
	return len(txns)
}

func TestTrade_Buy(t *testing.T) {
	f := newFixture(t, 10000, "USD")

	res, err := f.trade(model.Buy, 10, "2020-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if !res.TotalUSD.Equal(d(1000)) {
		t.Errorf("expected total 1000, got %s", res.TotalUSD)
	}
	if !f.cash(t).Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", f.cash(t))
	}
	txn := res.Transaction
	if txn.ID == 0 || txn.Symbol != "AAPL" || txn.Side != model.Buy || !txn.PricePerUnit.Equal(d(100)) {
		t.Errorf("unexpected transaction %+v", txn)
	}
}

func TestTrade_UsesLastKnownCloseButKeepsTradeDate(t *testing.T) {
	f := newFixture(t, 10000, "USD")

	// 2020-01-04 is a Saturday
	res, err := f.trade(model.Buy, 1, "2020-01-04")
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Date != date.MustParse("2020-01-04") {
		t.Errorf("trade date should be the requested date, got %s", res.Transaction.Date)
	}
	if res.PriceDate != date.MustParse("2020-01-02") {
		t.Errorf("price should come from 2020-01-02, got %s", res.PriceDate)
	}
}

func TestTrade_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 10000, "USD")

	_, err := f.trade(model.Buy, 200, "2020-01-02")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !strings.Contains(err.Error(), "required $20,000.00") || !strings.Contains(err.Error(), "available $10,000.00") {
		t.Errorf("message should carry amounts, got %q", err)
	}
	if !f.cash(t).Equal(d(10000)) {
		t.Errorf("cash changed to %s", f.cash(t))
	}
	if n := f.txnCount(t); n != 0 {
		t.Errorf("expected no transactions, got %d", n)
	}
}

func TestTrade_BuyExactBalance(t *testing.T) {
	f := newFixture(t, 1000, "USD")
	if _, err := f.trade(model.Buy, 10, "2020-01-02"); err != nil {
		t.Fatalf("spending the full balance should succeed: %v", err)
	}
	if !f.cash(t).IsZero() {
		t.Errorf("expected zero cash, got %s", f.cash(t))
	}
}

func TestTrade_NativeCurrencyAmounts(t *testing.T) {
	// INR falls back to 83.5 per USD
	f := newFixture(t, 100, "INR")

	_, err := f.trade(model.Buy, 2, "2020-01-02")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !strings.Contains(err.Error(), "16,700.00") || !strings.Contains(err.Error(), "8,350.00") {
		t.Errorf("expected rupee amounts in message, got %q", err)
	}

	res, err := f.trade(model.Buy, 0.5, "2020-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if res.Currency != "INR" || !res.TotalNative.Equal(d(4175)) {
		t.Errorf("expected 4175 INR, got %s %s", res.TotalNative, res.Currency)
	}
	if !res.Transaction.PricePerUnit.Equal(d(100)) {
		t.Errorf("price must be stored in USD, got %s", res.Transaction.PricePerUnit)
	}
	if !f.cash(t).Equal(d(50)) {
		t.Errorf("cash is kept in USD, expected 50, got %s", f.cash(t))
	}
}

func TestTrade_OversellRejected(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	if _, err := f.trade(model.Buy, 5, "2020-01-02"); err != nil {
		t.Fatal(err)
	}

	_, err := f.trade(model.Sell, 6, "2020-01-06")
	if !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	if !strings.Contains(err.Error(), "owned 5, requested 6") {
		t.Errorf("unexpected message %q", err)
	}
	if !f.cash(t).Equal(d(9500)) {
		t.Errorf("cash changed to %s", f.cash(t))
	}
	if n := f.txnCount(t); n != 1 {
		t.Errorf("expected 1 transaction, got %d", n)
	}
}

func TestTrade_SellWithoutPosition(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	_, err := f.trade(model.Sell, 1, "2020-01-02")
	if !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
}

func TestTrade_BackdatedSellBeforeBuyRejected(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	if _, err := f.trade(model.Buy, 10, "2020-01-06"); err != nil {
		t.Fatal(err)
	}

	_, err := f.trade(model.Sell, 10, "2020-01-02")
	if !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	if !strings.Contains(err.Error(), "owned 0, requested 10") {
		t.Errorf("unexpected message %q", err)
	}
	if n := f.txnCount(t); n != 1 {
		t.Errorf("expected only the buy, got %d transactions", n)
	}
}

func TestTrade_BackdatedSellMustNotStarveLaterSell(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	if _, err := f.trade(model.Buy, 10, "2020-01-02"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.trade(model.Sell, 6, "2020-01-06"); err != nil {
		t.Fatal(err)
	}

	// 10 held on 2020-01-03, but only 4 survive the later sale.
	if _, err := f.trade(model.Sell, 5, "2020-01-03"); !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	if _, err := f.trade(model.Sell, 4, "2020-01-03"); err != nil {
		t.Fatalf("a covered backdated sell should pass: %v", err)
	}

	txns, _ := f.st.Transactions(context.Background(), f.portfolio, date.MustParse("2020-01-03"))
	held := decimal.Zero
	for _, tx := range txns {
		held = held.Add(signed(tx))
	}
	if !held.Equal(d(6)) {
		t.Errorf("expected 6 held as of 2020-01-03, got %s", held)
	}
}

func TestSellable(t *testing.T) {
	tx := func(side model.Side, qty float64, on string) model.Transaction {
		return model.Transaction{Side: side, Quantity: d(qty), Date: date.MustParse(on)}
	}
	txns := []model.Transaction{
		tx(model.Buy, 10, "2020-01-02"),
		tx(model.Sell, 3, "2020-01-06"),
		tx(model.Buy, 5, "2020-01-08"),
		tx(model.Sell, 9, "2020-01-10"),
	}
	tests := []struct {
		on   string
		want float64
	}{
		{"2020-01-01", 0},
		{"2020-01-02", 3},
		{"2020-01-07", 3},
		{"2020-01-09", 3},
		{"2020-01-10", 3},
		{"2020-02-01", 3},
	}
	for _, tt := range tests {
		if got := sellable(txns, date.MustParse(tt.on)); !got.Equal(d(tt.want)) {
			t.Errorf("sellable on %s = %s, want %v", tt.on, got, tt.want)
		}
	}
	if got := sellable(nil, date.MustParse("2020-01-02")); !got.IsZero() {
		t.Errorf("empty ledger should have nothing to sell, got %s", got)
	}
}

func TestTrade_RoundTrip(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	if _, err := f.trade(model.Buy, 10, "2020-01-02"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.trade(model.Sell, 10, "2020-01-02"); err != nil {
		t.Fatal(err)
	}
	if !f.cash(t).Equal(d(10000)) {
		t.Errorf("round trip should leave cash unchanged, got %s", f.cash(t))
	}
	holdings, err := f.svc.Holdings(context.Background(), f.portfolio)
	if err != nil {
		t.Fatal(err)
	}
	if len(holdings) != 0 {
		t.Errorf("expected no holdings, got %+v", holdings)
	}
}

func TestTrade_SellAtHigherPrice(t *testing.T) {
	f := newFixture(t, 1000, "USD")
	f.trade(model.Buy, 10, "2020-01-02")
	res, err := f.trade(model.Sell, 4, "2020-01-06")
	if err != nil {
		t.Fatal(err)
	}
	if !res.CashBalance.Equal(d(440)) {
		t.Errorf("expected 0 + 4×110 = 440, got %s", res.CashBalance)
	}
	holdings, _ := f.svc.Holdings(context.Background(), f.portfolio)
	if len(holdings) != 1 || !holdings[0].Quantity.Equal(d(6)) {
		t.Errorf("expected 6 AAPL left, got %+v", holdings)
	}
}

func TestTrade_InputValidation(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	ctx := context.Background()

	tests := []struct {
		name string
		req  TradeRequest
		want error
	}{
		{"bad side", TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: "HOLD", Quantity: d(1), Date: date.MustParse("2020-01-02")}, ErrInvalidTransactionType},
		{"zero quantity", TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: model.Buy, Quantity: d(0), Date: date.MustParse("2020-01-02")}, ErrInvalidQuantity},
		{"negative quantity", TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: model.Sell, Quantity: d(-3), Date: date.MustParse("2020-01-02")}, ErrInvalidQuantity},
		{"unknown asset", TradeRequest{PortfolioID: f.portfolio, Symbol: "ZZZZ", Side: model.Buy, Quantity: d(1), Date: date.MustParse("2020-01-02")}, ErrAssetNotFound},
		{"before history", TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: model.Buy, Quantity: d(1), Date: date.MustParse("2019-06-01")}, ErrPriceUnavailable},
		{"missing portfolio", TradeRequest{PortfolioID: 9999, Symbol: "AAPL", Side: model.Buy, Quantity: d(1), Date: date.MustParse("2020-01-02")}, ErrPortfolioNotFound},
		{"no date no session", TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: model.Buy, Quantity: d(1)}, ErrDateRequired},
		{"no date missing portfolio", TradeRequest{PortfolioID: 9999, Symbol: "AAPL", Side: model.Buy, Quantity: d(1)}, ErrPortfolioNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Trade(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := f.txnCount(t); n != 0 {
		t.Errorf("rejected trades must not write, got %d transactions", n)
	}
}

func TestTrade_LowercaseSideAccepted(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	if _, err := f.trade("buy", 1, "2020-01-02"); err != nil {
		t.Errorf("lowercase side should be accepted: %v", err)
	}
}

func TestTrade_DefaultsToSessionDate(t *testing.T) {
	f := newFixture(t, 10000, "USD")
	ctx := context.Background()
	err := f.st.WithPortfolioLock(ctx, f.portfolio, func(tx store.PortfolioTx) error {
		return tx.InsertSession(ctx, &model.GameSession{
			StartDate: date.MustParse("2020-01-06"),
			SimDate:   date.MustParse("2020-01-06"),
			IsActive:  true,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Trade(ctx, TradeRequest{PortfolioID: f.portfolio, Symbol: "AAPL", Side: model.Buy, Quantity: d(1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Date != date.MustParse("2020-01-06") || !res.Transaction.PricePerUnit.Equal(d(110)) {
		t.Errorf("expected sim-date trade at 110, got %+v", res.Transaction)
	}
}

func TestTrade_ConcurrentBuysNeverOverdraw(t *testing.T) {
	f := newFixture(t, 1000, "USD")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, funds := 0, 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.trade(model.Buy, 1, "2020-01-02")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				funds++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || funds != 30 {
		t.Errorf("expected 10 fills and 30 rejections, got %d and %d", ok, funds)
	}
	if !f.cash(t).IsZero() {
		t.Errorf("expected cash 0, got %s", f.cash(t))
	}
	if n := f.txnCount(t); n != 10 {
		t.Errorf("expected 10 transactions, got %d", n)
	}
}

func TestTrade_ConcurrentSellsNeverOversell(t *testing.T) {
	f := newFixture(t, 1000, "USD")
	if _, err := f.trade(model.Buy, 5, "2020-01-02"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.trade(model.Sell, 1, "2020-01-06")
		}()
	}
	wg.Wait()

	holdings, _ := f.svc.Holdings(context.Background(), f.portfolio)
	if len(holdings) != 0 {
		t.Errorf("expected position fully closed, got %+v", holdings)
	}
	// 500 left after buying, plus 5 × 110
	if !f.cash(t).Equal(d(1050)) {
		t.Errorf("expected cash 1050, got %s", f.cash(t))
	}
	if n := f.txnCount(t); n != 6 {
		t.Errorf("expected 1 buy and 5 sells, got %d transactions", n)
	}
}

func TestHoldings_NotFound(t *testing.T) {
	f := newFixture(t, 0, "USD")
	if _, err := f.svc.Holdings(context.Background(), 4242); !errors.Is(err, ErrPortfolioNotFound) {
		t.Errorf("expected ErrPortfolioNotFound, got %v", err)
	}
}
