package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ovolkov/supplybook/internal/model"
)

// memStore — хранилище операций в памяти для тестов движка.
// Счётчик writes фиксирует каждую мутацию, чтобы проверять свойства
// «ноль записей при повторном сохранении тех же данных».
type memStore struct {
	nextID  int64
	txs     map[int64]model.Transaction
	derived map[int64]Summary
	writes  int
}

func newMemStore() *memStore {
	return &memStore{
		txs:     make(map[int64]model.Transaction),
		derived: make(map[int64]Summary),
	}
}

func (s *memStore) TransactionsInRange(ctx context.Context, customerID int64, from, to time.Time) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, t := range s.txs {
		if t.CustomerID != customerID {
			continue
		}
		if t.Day.Before(from) || t.Day.After(to) {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

func (s *memStore) TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, t := range s.txs {
		if t.CustomerID == customerID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (s *memStore) InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	s.nextID++
	t.ID = s.nextID
	s.txs[t.ID] = *t
	s.writes++
	return t.ID, nil
}

func (s *memStore) UpdateSupply(ctx context.Context, id int64, quantity, rate, amount decimal.Decimal) error {
	t, ok := s.txs[id]
	if !ok {
		return errors.New("transaction not found")
	}
	t.Quantity = quantity
	t.Rate = rate
	t.Amount = amount
	s.txs[id] = t
	s.writes++
	return nil
}

func (s *memStore) UpdatePayment(ctx context.Context, id int64, amount decimal.Decimal, method, note string) error {
	t, ok := s.txs[id]
	if !ok {
		return errors.New("transaction not found")
	}
	t.Amount = amount
	t.Method = method
	t.Note = note
	s.txs[id] = t
	s.writes++
	return nil
}

func (s *memStore) DeleteTransaction(ctx context.Context, id int64) error {
	if _, ok := s.txs[id]; !ok {
		return errors.New("transaction not found")
	}
	delete(s.txs, id)
	s.writes++
	return nil
}

func (s *memStore) SetBalanceAfter(ctx context.Context, id int64, balance decimal.Decimal) error {
	t, ok := s.txs[id]
	if !ok {
		return errors.New("transaction not found")
	}
	t.BalanceAfter = balance
	s.txs[id] = t
	s.writes++
	return nil
}

func (s *memStore) SetCustomerDerived(ctx context.Context, customerID int64, sum Summary) error {
	s.derived[customerID] = sum
	s.writes++
	return nil
}

func (s *memStore) byKindAndDay(customerID int64, kind model.TransactionKind, day time.Time) *model.Transaction {
	for _, t := range s.txs {
		if t.CustomerID == customerID && t.Kind == kind && t.Day.Equal(day) {
			res := t
			return &res
		}
	}
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newCustomer() *model.Customer {
	created := day(2024, time.January, 1)
	return &model.Customer{
		ID:             1,
		OwnerID:        1,
		Name:           "customer",
		OpeningBalance: decimal.Zero,
		CurrentBalance: decimal.Zero,
		TotalSupplied:  decimal.Zero,
		TotalPaid:      decimal.Zero,
		LastSupplyDate: created,
		CreatedAt:      created,
	}
}

func mustSaveDay(t *testing.T, e *Engine, c *model.Customer, d time.Time, in DayInput, rate decimal.Decimal) bool {
	t.Helper()
	changed, err := e.SaveDay(context.Background(), c, d, in, rate)
	if err != nil {
		t.Fatalf("SaveDay error: %v", err)
	}
	return changed
}

func TestSaveDay_WorkedExample(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("160")

	d1 := day(2024, time.March, 1)
	d2 := day(2024, time.March, 2)

	mustSaveDay(t, e, c, d1, DayInput{Quantity: dec("10")}, rate)
	mustSaveDay(t, e, c, d2, DayInput{Payment: dec("600")}, rate)

	if !c.CurrentBalance.Equal(dec("1000")) {
		t.Fatalf("CurrentBalance = %s, want 1000", c.CurrentBalance)
	}

	// Историческая правка: количество за первый день исправлено на 8.
	mustSaveDay(t, e, c, d1, DayInput{Quantity: dec("8")}, rate)

	supply := store.byKindAndDay(c.ID, model.TransactionKindSupply, d1)
	if supply == nil {
		t.Fatalf("supply for day 1 not found")
	}
	if !supply.Amount.Equal(dec("1280")) {
		t.Fatalf("supply amount = %s, want 1280", supply.Amount)
	}
	if !supply.BalanceAfter.Equal(dec("1280")) {
		t.Fatalf("supply balanceAfter = %s, want 1280", supply.BalanceAfter)
	}

	payment := store.byKindAndDay(c.ID, model.TransactionKindPayment, d2)
	if payment == nil {
		t.Fatalf("payment for day 2 not found")
	}
	if !payment.BalanceAfter.Equal(dec("680")) {
		t.Fatalf("payment balanceAfter = %s, want 680", payment.BalanceAfter)
	}

	if !c.CurrentBalance.Equal(dec("680")) {
		t.Fatalf("CurrentBalance = %s, want 680", c.CurrentBalance)
	}
	if !c.TotalSupplied.Equal(dec("8")) {
		t.Fatalf("TotalSupplied = %s, want 8", c.TotalSupplied)
	}
	if !c.TotalPaid.Equal(dec("600")) {
		t.Fatalf("TotalPaid = %s, want 600", c.TotalPaid)
	}
}

func TestSaveDay_NoOpShortCircuit(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("50")
	d := day(2024, time.March, 1)

	in := DayInput{Quantity: dec("3"), Payment: dec("100")}

	if changed := mustSaveDay(t, e, c, d, in, rate); !changed {
		t.Fatalf("first SaveDay must report a change")
	}

	before := store.writes

	// Те же значения, но в другом масштабе: 3.00 и 100.0 равны 3 и 100.
	again := DayInput{Quantity: dec("3.00"), Payment: dec("100.0")}
	if changed := mustSaveDay(t, e, c, d, again, rate); changed {
		t.Fatalf("repeated SaveDay with identical values must be a no-op")
	}

	if store.writes != before {
		t.Fatalf("no-op SaveDay made %d store writes", store.writes-before)
	}
}

func TestSaveDay_ZeroMeansAbsence(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("40")
	d := day(2024, time.March, 5)

	mustSaveDay(t, e, c, d, DayInput{Quantity: dec("2"), Payment: dec("30")}, rate)

	// Обнуление обоих значений должно удалить записи, а не оставить нулевые.
	mustSaveDay(t, e, c, d, DayInput{}, rate)

	if got := store.byKindAndDay(c.ID, model.TransactionKindSupply, d); got != nil {
		t.Fatalf("supply must be deleted, found %+v", got)
	}
	if got := store.byKindAndDay(c.ID, model.TransactionKindPayment, d); got != nil {
		t.Fatalf("payment must be deleted, found %+v", got)
	}
	if !c.CurrentBalance.Equal(decimal.Zero) {
		t.Fatalf("CurrentBalance = %s, want 0", c.CurrentBalance)
	}
}

func TestSaveDay_RejectsNegativeInput(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()

	_, err := e.SaveDay(context.Background(), c, day(2024, time.March, 1), DayInput{Quantity: dec("-1")}, dec("10"))
	if !errors.Is(err, ErrNegativeQuantity) {
		t.Fatalf("err = %v, want ErrNegativeQuantity", err)
	}

	_, err = e.SaveDay(context.Background(), c, day(2024, time.March, 1), DayInput{Payment: dec("-5")}, dec("10"))
	if !errors.Is(err, ErrNegativePayment) {
		t.Fatalf("err = %v, want ErrNegativePayment", err)
	}

	if store.writes != 0 {
		t.Fatalf("rejected input must not write, got %d writes", store.writes)
	}
}

func TestReplay_Idempotent(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("160")

	mustSaveDay(t, e, c, day(2024, time.March, 1), DayInput{Quantity: dec("10")}, rate)
	mustSaveDay(t, e, c, day(2024, time.March, 2), DayInput{Payment: dec("600")}, rate)

	first, err := e.Replay(context.Background(), c)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}

	before := store.writes
	second, err := e.Replay(context.Background(), c)
	if err != nil {
		t.Fatalf("second replay error: %v", err)
	}

	if store.writes != before {
		t.Fatalf("replay of unchanged set made %d writes", store.writes-before)
	}
	if !first.CurrentBalance.Equal(second.CurrentBalance) ||
		!first.TotalSupplied.Equal(second.TotalSupplied) ||
		!first.TotalPaid.Equal(second.TotalPaid) ||
		!first.LastSupplyDate.Equal(second.LastSupplyDate) {
		t.Fatalf("replay is not idempotent: %+v vs %+v", first, second)
	}
}

func TestReplay_TieBreakSupplyBeforePayment(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	d := day(2024, time.March, 10)

	// Платёж вставлен раньше поставки: порядок вставки не должен влиять.
	_, err := store.InsertTransaction(context.Background(), &model.Transaction{
		CustomerID: c.ID,
		Day:        d,
		Kind:       model.TransactionKindPayment,
		Amount:     dec("300"),
	})
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	_, err = store.InsertTransaction(context.Background(), &model.Transaction{
		CustomerID: c.ID,
		Day:        d,
		Kind:       model.TransactionKindSupply,
		Quantity:   dec("5"),
		Rate:       dec("100"),
		Amount:     dec("500"),
	})
	if err != nil {
		t.Fatalf("insert supply: %v", err)
	}

	if _, err := e.Replay(context.Background(), c); err != nil {
		t.Fatalf("replay error: %v", err)
	}

	supply := store.byKindAndDay(c.ID, model.TransactionKindSupply, d)
	payment := store.byKindAndDay(c.ID, model.TransactionKindPayment, d)

	if !supply.BalanceAfter.Equal(dec("500")) {
		t.Fatalf("supply balanceAfter = %s, want 500 (supply applied first)", supply.BalanceAfter)
	}
	if !payment.BalanceAfter.Equal(dec("200")) {
		t.Fatalf("payment balanceAfter = %s, want 200", payment.BalanceAfter)
	}
}

func TestReplay_OpeningBalancePropagation(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("80")

	mustSaveDay(t, e, c, day(2024, time.March, 1), DayInput{Quantity: dec("4")}, rate)
	mustSaveDay(t, e, c, day(2024, time.March, 3), DayInput{Payment: dec("100")}, rate)
	mustSaveDay(t, e, c, day(2024, time.March, 7), DayInput{Quantity: dec("2"), Payment: dec("50")}, rate)

	baseline := make(map[int64]decimal.Decimal)
	for id, tx := range store.txs {
		baseline[id] = tx.BalanceAfter
	}
	baseCurrent := c.CurrentBalance
	baseSupplied := c.TotalSupplied
	basePaid := c.TotalPaid

	shift := dec("250")
	c.OpeningBalance = c.OpeningBalance.Add(shift)

	if _, err := e.Replay(context.Background(), c); err != nil {
		t.Fatalf("replay error: %v", err)
	}

	for id, tx := range store.txs {
		want := baseline[id].Add(shift)
		if !tx.BalanceAfter.Equal(want) {
			t.Fatalf("tx %d balanceAfter = %s, want %s", id, tx.BalanceAfter, want)
		}
	}
	if !c.CurrentBalance.Equal(baseCurrent.Add(shift)) {
		t.Fatalf("CurrentBalance = %s, want %s", c.CurrentBalance, baseCurrent.Add(shift))
	}
	if !c.TotalSupplied.Equal(baseSupplied) || !c.TotalPaid.Equal(basePaid) {
		t.Fatalf("totals must not change on opening balance edit")
	}
}

func TestReplay_RippleAcrossDays(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("100")

	d1 := day(2024, time.April, 1)
	d2 := day(2024, time.April, 2)
	d3 := day(2024, time.April, 3)

	mustSaveDay(t, e, c, d1, DayInput{Quantity: dec("1")}, rate)
	mustSaveDay(t, e, c, d2, DayInput{Quantity: dec("2")}, rate)
	mustSaveDay(t, e, c, d3, DayInput{Payment: dec("150")}, rate)

	// Правка самого раннего дня должна сдвинуть балансы всех последующих.
	mustSaveDay(t, e, c, d1, DayInput{Quantity: dec("3")}, rate)

	wants := []struct {
		kind    model.TransactionKind
		day     time.Time
		balance string
	}{
		{model.TransactionKindSupply, d1, "300"},
		{model.TransactionKindSupply, d2, "500"},
		{model.TransactionKindPayment, d3, "350"},
	}
	for _, w := range wants {
		tx := store.byKindAndDay(c.ID, w.kind, w.day)
		if tx == nil {
			t.Fatalf("%s on %s not found", w.kind, w.day.Format("2006-01-02"))
		}
		if !tx.BalanceAfter.Equal(dec(w.balance)) {
			t.Fatalf("%s on %s balanceAfter = %s, want %s", w.kind, w.day.Format("2006-01-02"), tx.BalanceAfter, w.balance)
		}
	}
	if !c.CurrentBalance.Equal(dec("350")) {
		t.Fatalf("CurrentBalance = %s, want 350", c.CurrentBalance)
	}
}

func TestReplay_AggregateAgreement(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	c.OpeningBalance = dec("75.50")
	rate := dec("62.5")

	mustSaveDay(t, e, c, day(2024, time.May, 1), DayInput{Quantity: dec("1.5")}, rate)
	mustSaveDay(t, e, c, day(2024, time.May, 2), DayInput{Quantity: dec("2"), Payment: dec("40")}, rate)
	mustSaveDay(t, e, c, day(2024, time.May, 9), DayInput{Payment: dec("101.25")}, rate)

	totalBilled := decimal.Zero
	totalSupplied := decimal.Zero
	totalPaid := decimal.Zero
	for _, tx := range store.txs {
		switch tx.Kind {
		case model.TransactionKindSupply:
			totalBilled = totalBilled.Add(tx.Amount)
			totalSupplied = totalSupplied.Add(tx.Quantity)
		case model.TransactionKindPayment:
			totalPaid = totalPaid.Add(tx.Amount)
		}
	}

	if !c.TotalSupplied.Equal(totalSupplied) {
		t.Fatalf("TotalSupplied = %s, want %s", c.TotalSupplied, totalSupplied)
	}
	if !c.TotalPaid.Equal(totalPaid) {
		t.Fatalf("TotalPaid = %s, want %s", c.TotalPaid, totalPaid)
	}
	want := c.OpeningBalance.Add(totalBilled).Sub(totalPaid)
	if !c.CurrentBalance.Equal(want) {
		t.Fatalf("CurrentBalance = %s, want %s", c.CurrentBalance, want)
	}
}

func TestReplay_LastSupplyDate(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("10")

	if _, err := e.Replay(context.Background(), c); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !c.LastSupplyDate.Equal(model.Day(c.CreatedAt)) {
		t.Fatalf("LastSupplyDate without supplies = %s, want creation day", c.LastSupplyDate)
	}

	// Хронологический порядок, а не порядок вставки: поздний день сохранён первым.
	mustSaveDay(t, e, c, day(2024, time.June, 20), DayInput{Quantity: dec("1")}, rate)
	mustSaveDay(t, e, c, day(2024, time.June, 5), DayInput{Quantity: dec("1")}, rate)

	if !c.LastSupplyDate.Equal(day(2024, time.June, 20)) {
		t.Fatalf("LastSupplyDate = %s, want 2024-06-20", c.LastSupplyDate)
	}
}

func TestDeleteTransaction_Replays(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	c := newCustomer()
	rate := dec("100")

	d1 := day(2024, time.July, 1)
	d2 := day(2024, time.July, 2)

	mustSaveDay(t, e, c, d1, DayInput{Quantity: dec("1")}, rate)
	mustSaveDay(t, e, c, d2, DayInput{Quantity: dec("2")}, rate)

	first := store.byKindAndDay(c.ID, model.TransactionKindSupply, d1)
	if err := e.DeleteTransaction(context.Background(), c, first.ID); err != nil {
		t.Fatalf("DeleteTransaction error: %v", err)
	}

	second := store.byKindAndDay(c.ID, model.TransactionKindSupply, d2)
	if !second.BalanceAfter.Equal(dec("200")) {
		t.Fatalf("remaining balanceAfter = %s, want 200", second.BalanceAfter)
	}
	if !c.CurrentBalance.Equal(dec("200")) {
		t.Fatalf("CurrentBalance = %s, want 200", c.CurrentBalance)
	}
	if !c.TotalSupplied.Equal(dec("2")) {
		t.Fatalf("TotalSupplied = %s, want 2", c.TotalSupplied)
	}
}

func TestSortCanonical(t *testing.T) {
	d1 := day(2024, time.August, 1)
	d2 := day(2024, time.August, 2)

	txs := []model.Transaction{
		{ID: 4, Day: d2, Kind: model.TransactionKindPayment},
		{ID: 3, Day: d1, Kind: model.TransactionKindPayment},
		{ID: 2, Day: d1, Kind: model.TransactionKindSupply},
		{ID: 5, Day: d1, Kind: model.TransactionKindPayment},
		{ID: 1, Day: d2, Kind: model.TransactionKindSupply},
	}

	SortCanonical(txs)

	wantIDs := []int64{2, 3, 5, 1, 4}
	for i, want := range wantIDs {
		if txs[i].ID != want {
			t.Fatalf("position %d: id = %d, want %d (order %+v)", i, txs[i].ID, want, txs)
		}
	}
}
