// Package ledger реализует движок согласованности книги клиента: сверку
// дневных записей и полный пересчёт балансов в каноническом порядке.
//
// Движок — библиотека: хранилище операций и действующая цена передаются
// явно, глобального состояния нет. Все производные поля (BalanceAfter
// операций и агрегаты клиента) вычисляются только здесь; кэшированные
// значения — оптимизация отображения, а не источник истины, любое их
// расхождение устраняется повторным пересчётом.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ovolkov/supplybook/internal/model"
)

// ErrNegativeQuantity возвращается при отрицательном количестве поставки.
var (
	ErrNegativeQuantity = errors.New("supply quantity must not be negative")
	// ErrNegativePayment возвращается при отрицательной сумме платежа.
	ErrNegativePayment = errors.New("payment amount must not be negative")
)

// Store описывает контракт хранилища операций, используемый движком.
// Каждая запись атомарна сама по себе; группировку записей одной единицы
// работы в общую транзакцию обеспечивает вызывающая сторона.
type Store interface {
	TransactionsInRange(ctx context.Context, customerID int64, from, to time.Time) ([]model.Transaction, error)
	TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error)
	InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error)
	UpdateSupply(ctx context.Context, id int64, quantity, rate, amount decimal.Decimal) error
	UpdatePayment(ctx context.Context, id int64, amount decimal.Decimal, method, note string) error
	DeleteTransaction(ctx context.Context, id int64) error
	SetBalanceAfter(ctx context.Context, id int64, balance decimal.Decimal) error
	SetCustomerDerived(ctx context.Context, customerID int64, s Summary) error
}

// UnitStore расширяет Store операцией полной очистки книги клиента.
// Её использует восстановление из резервной копии: импортированный набор
// операций заменяет сохранённый целиком, после чего книга пересчитывается.
type UnitStore interface {
	Store
	PurgeCustomerTransactions(ctx context.Context, customerID int64) error
}

// Summary содержит четыре агрегата клиента, вычисленные пересчётом.
type Summary struct {
	CurrentBalance decimal.Decimal
	TotalSupplied  decimal.Decimal
	TotalPaid      decimal.Decimal
	LastSupplyDate time.Time
}

// DayInput описывает предлагаемые записи одного дня: количество поставки и
// сумма платежа. Нулевое значение означает «в этот день такой операции нет»
// и реализуется отсутствием записи, а не записью с нулевой суммой.
type DayInput struct {
	Quantity decimal.Decimal
	Payment  decimal.Decimal
	Method   string
	Note     string
}

// Engine выполняет сверку дневных записей и пересчёт книги клиента.
type Engine struct {
	store Store
}

// NewEngine создаёт движок поверх указанного хранилища операций.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// SaveDay сверяет предлагаемые записи дня с сохранёнными и приводит книгу
// клиента в согласованное состояние. Возвращает false без единой записи в
// хранилище, если предлагаемые значения совпадают с сохранёнными. Иначе
// выполняет минимальные вставки/обновления/удаления за день и полный
// пересчёт: правка одного дня сдвигает балансы всех последующих.
func (e *Engine) SaveDay(ctx context.Context, c *model.Customer, day time.Time, in DayInput, rate decimal.Decimal) (bool, error) {
	if in.Quantity.IsNegative() {
		return false, ErrNegativeQuantity
	}
	if in.Payment.IsNegative() {
		return false, ErrNegativePayment
	}

	day = model.Day(day)

	existing, err := e.store.TransactionsInRange(ctx, c.ID, day, day)
	if err != nil {
		return false, fmt.Errorf("load day transactions: %w", err)
	}

	supply := pickKind(existing, model.TransactionKindSupply)
	payment := pickKind(existing, model.TransactionKindPayment)

	if matchesExisting(supply, in.Quantity) && matchesExisting(payment, in.Payment) {
		return false, nil
	}

	if in.Quantity.IsPositive() {
		amount := in.Quantity.Mul(rate)
		if supply != nil {
			if err := e.store.UpdateSupply(ctx, supply.ID, in.Quantity, rate, amount); err != nil {
				return false, fmt.Errorf("update supply: %w", err)
			}
		} else {
			t := &model.Transaction{
				CustomerID: c.ID,
				Day:        day,
				Kind:       model.TransactionKindSupply,
				Quantity:   in.Quantity,
				Rate:       rate,
				Amount:     amount,
			}
			if _, err := e.store.InsertTransaction(ctx, t); err != nil {
				return false, fmt.Errorf("insert supply: %w", err)
			}
		}
	} else if supply != nil {
		if err := e.store.DeleteTransaction(ctx, supply.ID); err != nil {
			return false, fmt.Errorf("delete supply: %w", err)
		}
	}

	if in.Payment.IsPositive() {
		if payment != nil {
			if err := e.store.UpdatePayment(ctx, payment.ID, in.Payment, in.Method, in.Note); err != nil {
				return false, fmt.Errorf("update payment: %w", err)
			}
		} else {
			t := &model.Transaction{
				CustomerID: c.ID,
				Day:        day,
				Kind:       model.TransactionKindPayment,
				Amount:     in.Payment,
				Method:     in.Method,
				Note:       in.Note,
			}
			if _, err := e.store.InsertTransaction(ctx, t); err != nil {
				return false, fmt.Errorf("insert payment: %w", err)
			}
		}
	} else if payment != nil {
		if err := e.store.DeleteTransaction(ctx, payment.ID); err != nil {
			return false, fmt.Errorf("delete payment: %w", err)
		}
	}

	if _, err := e.Replay(ctx, c); err != nil {
		return false, err
	}

	return true, nil
}

// Replay выполняет полный пересчёт книги клиента: загружает все операции,
// упорядочивает их канонически и одним прямым проходом от OpeningBalance
// вычисляет BalanceAfter каждой операции и четыре агрегата клиента.
// В хранилище записываются только изменившиеся значения; повторный пересчёт
// неизменённого набора не делает ни одной записи. Клиент c обновляется на
// месте вычисленными агрегатами.
func (e *Engine) Replay(ctx context.Context, c *model.Customer) (Summary, error) {
	txs, err := e.store.TransactionsByCustomer(ctx, c.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("load transactions: %w", err)
	}

	SortCanonical(txs)

	running := c.OpeningBalance
	totalSupplied := decimal.Zero
	totalPaid := decimal.Zero
	lastSupply := model.Day(c.CreatedAt)

	for i := range txs {
		t := &txs[i]
		switch t.Kind {
		case model.TransactionKindSupply:
			running = running.Add(t.Amount)
			totalSupplied = totalSupplied.Add(t.Quantity)
			lastSupply = t.Day
		case model.TransactionKindPayment:
			running = running.Sub(t.Amount)
			totalPaid = totalPaid.Add(t.Amount)
		}

		if !t.BalanceAfter.Equal(running) {
			if err := e.store.SetBalanceAfter(ctx, t.ID, running); err != nil {
				return Summary{}, fmt.Errorf("set balance after: %w", err)
			}
			t.BalanceAfter = running
		}
	}

	s := Summary{
		CurrentBalance: running,
		TotalSupplied:  totalSupplied,
		TotalPaid:      totalPaid,
		LastSupplyDate: lastSupply,
	}

	if !s.CurrentBalance.Equal(c.CurrentBalance) ||
		!s.TotalSupplied.Equal(c.TotalSupplied) ||
		!s.TotalPaid.Equal(c.TotalPaid) ||
		!s.LastSupplyDate.Equal(c.LastSupplyDate) {
		if err := e.store.SetCustomerDerived(ctx, c.ID, s); err != nil {
			return Summary{}, fmt.Errorf("set customer derived: %w", err)
		}
		c.CurrentBalance = s.CurrentBalance
		c.TotalSupplied = s.TotalSupplied
		c.TotalPaid = s.TotalPaid
		c.LastSupplyDate = s.LastSupplyDate
	}

	return s, nil
}

// DeleteTransaction удаляет одну операцию клиента и пересчитывает его книгу.
func (e *Engine) DeleteTransaction(ctx context.Context, c *model.Customer, id int64) error {
	if err := e.store.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	_, err := e.Replay(ctx, c)
	return err
}

// SortCanonical упорядочивает операции в каноническом порядке пересчёта:
// по дню; внутри дня SUPPLY раньше PAYMENT — поставка дня начисляется до
// зачёта полученного в тот же день платежа; при совпадении дня и вида —
// по возрастанию id, то есть в порядке вставки.
func SortCanonical(txs []model.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		a, b := &txs[i], &txs[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.Kind != b.Kind {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		return a.ID < b.ID
	})
}

func kindRank(k model.TransactionKind) int {
	if k == model.TransactionKindSupply {
		return 0
	}
	return 1
}

// pickKind выбирает целевую запись сверки для вида операции. Записей одного
// вида за день больше одной быть не должно; если они всё же есть, целью
// становится самая ранняя по id, остальные упорядочивает пересчёт.
func pickKind(txs []model.Transaction, kind model.TransactionKind) *model.Transaction {
	var found *model.Transaction
	for i := range txs {
		if txs[i].Kind != kind {
			continue
		}
		if found == nil || txs[i].ID < found.ID {
			found = &txs[i]
		}
	}
	return found
}

// matchesExisting сообщает, совпадает ли предлагаемое значение с сохранённой
// записью: ноль соответствует отсутствию записи, положительное значение —
// записи с тем же количеством либо суммой.
func matchesExisting(t *model.Transaction, proposed decimal.Decimal) bool {
	if t == nil {
		return proposed.IsZero()
	}
	if t.Kind == model.TransactionKindSupply {
		return proposed.Equal(t.Quantity)
	}
	return proposed.Equal(t.Amount)
}
