// Package service реализует бизнес-логику сервиса учёта поставок.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ovolkov/supplybook/internal/ledger"
	"github.com/ovolkov/supplybook/internal/model"
	"github.com/ovolkov/supplybook/internal/repository"
	"github.com/ovolkov/supplybook/internal/validation"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCustomerName возвращается при пустом имени клиента.
	ErrInvalidCustomerName = errors.New("customer name must not be empty")
	// ErrInvalidPhone возвращается при некорректном номере телефона клиента.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrUnknownTransactionKind возвращается при неизвестном виде операции в импорте.
	ErrUnknownTransactionKind = errors.New("unknown transaction kind")
	// ErrInvalidImportValue возвращается, если импортированная операция не
	// имеет положительного количества либо суммы: записи с нулевым значением
	// в книге не существуют.
	ErrInvalidImportValue = errors.New("imported transaction value must be positive")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	BaseRate(ctx context.Context, userID int64) (decimal.Decimal, error)
	SetBaseRate(ctx context.Context, userID int64, rate decimal.Decimal) error
	CreateCustomer(ctx context.Context, c *model.Customer) (int64, error)
	GetCustomer(ctx context.Context, ownerID, id int64) (*model.Customer, error)
	ListCustomers(ctx context.Context, ownerID int64) ([]model.Customer, error)
	UpdateCustomerProfile(ctx context.Context, c *model.Customer) error
	DeleteCustomer(ctx context.Context, ownerID, id int64) error
	TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error)
	InTx(ctx context.Context, fn func(ledger.UnitStore) error) error
}

// Service содержит бизнес-логику сервиса учёта поставок.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового оператора.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль оператора и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// BaseRate возвращает базовую цену за единицу поставки оператора.
func (s *Service) BaseRate(ctx context.Context, ownerID int64) (decimal.Decimal, error) {
	return s.repo.BaseRate(ctx, ownerID)
}

// SetBaseRate устанавливает базовую цену за единицу поставки оператора.
// Новая цена действует только на будущие сверки: сохранённые записи
// поставок хранят цену своего дня и задним числом не меняются.
func (s *Service) SetBaseRate(ctx context.Context, ownerID int64, rate decimal.Decimal) error {
	return s.repo.SetBaseRate(ctx, ownerID, rate)
}

// CustomerInput содержит редактируемые поля клиента.
type CustomerInput struct {
	Name           string
	Phone          string
	OpeningBalance decimal.Decimal
	SupplyRate     decimal.Decimal
}

func validateCustomerInput(in CustomerInput) error {
	if in.Name == "" {
		return ErrInvalidCustomerName
	}
	if in.Phone != "" && !validation.IsValidPhone(in.Phone) {
		return ErrInvalidPhone
	}
	return nil
}

// CreateCustomer создаёт нового клиента оператора. Производные поля нового
// клиента тривиальны: текущий баланс равен начальному, последняя поставка —
// день создания.
func (s *Service) CreateCustomer(ctx context.Context, ownerID int64, in CustomerInput) (*model.Customer, error) {
	if err := validateCustomerInput(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Customer{
		OwnerID:        ownerID,
		Name:           in.Name,
		Phone:          in.Phone,
		OpeningBalance: in.OpeningBalance,
		SupplyRate:     in.SupplyRate,
		CurrentBalance: in.OpeningBalance,
		TotalSupplied:  decimal.Zero,
		TotalPaid:      decimal.Zero,
		LastSupplyDate: model.Day(now),
		CreatedAt:      now,
	}

	id, err := s.repo.CreateCustomer(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	return c, nil
}

// GetCustomer возвращает клиента оператора.
func (s *Service) GetCustomer(ctx context.Context, ownerID, id int64) (*model.Customer, error) {
	return s.repo.GetCustomer(ctx, ownerID, id)
}

// ListCustomers возвращает всех клиентов оператора.
func (s *Service) ListCustomers(ctx context.Context, ownerID int64) ([]model.Customer, error) {
	return s.repo.ListCustomers(ctx, ownerID)
}

// UpdateCustomer обновляет редактируемые поля клиента. Изменение начального
// баланса запускает полный пересчёт книги: новый начальный баланс сдвигает
// баланс после каждой операции.
func (s *Service) UpdateCustomer(ctx context.Context, ownerID, id int64, in CustomerInput) (*model.Customer, error) {
	if err := validateCustomerInput(in); err != nil {
		return nil, err
	}

	c, err := s.repo.GetCustomer(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	openingChanged := !c.OpeningBalance.Equal(in.OpeningBalance)

	c.Name = in.Name
	c.Phone = in.Phone
	c.SupplyRate = in.SupplyRate
	c.OpeningBalance = in.OpeningBalance

	if err := s.repo.UpdateCustomerProfile(ctx, c); err != nil {
		return nil, err
	}

	if openingChanged {
		err := s.repo.InTx(ctx, func(store ledger.UnitStore) error {
			_, err := ledger.NewEngine(store).Replay(ctx, c)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("replay after opening balance edit: %w", err)
		}
	}

	return c, nil
}

// DeleteCustomer удаляет клиента вместе со всеми его операциями.
// Пересчёт после этого не нужен: состояния клиента больше не существует.
func (s *Service) DeleteCustomer(ctx context.Context, ownerID, id int64) error {
	return s.repo.DeleteCustomer(ctx, ownerID, id)
}

// SheetEntry описывает строку дневной ведомости: пара (количество, платёж)
// одного клиента за выбранный день.
type SheetEntry struct {
	CustomerID int64
	Quantity   decimal.Decimal
	Payment    decimal.Decimal
}

// SaveDailySheet сохраняет дневную ведомость: для каждого клиента выполняет
// сверку записей выбранного дня и пересчёт его книги. Клиенты обрабатываются
// независимо, каждый — отдельной атомарной единицей работы; при ошибке уже
// обработанные клиенты остаются согласованными. Возвращает число клиентов,
// книги которых изменились.
func (s *Service) SaveDailySheet(ctx context.Context, ownerID int64, day time.Time, entries []SheetEntry) (int, error) {
	base, err := s.repo.BaseRate(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, e := range entries {
		c, err := s.repo.GetCustomer(ctx, ownerID, e.CustomerID)
		if err != nil {
			return changed, fmt.Errorf("customer %d: %w", e.CustomerID, err)
		}

		rate := base.Add(c.SupplyRate)

		var dayChanged bool
		err = s.repo.InTx(ctx, func(store ledger.UnitStore) error {
			var err error
			dayChanged, err = ledger.NewEngine(store).SaveDay(ctx, c, day, ledger.DayInput{
				Quantity: e.Quantity,
				Payment:  e.Payment,
			}, rate)
			return err
		})
		if err != nil {
			return changed, fmt.Errorf("customer %d: %w", e.CustomerID, err)
		}
		if dayChanged {
			changed++
		}
	}

	return changed, nil
}

// EntryInput описывает разовую запись: поставку и/или платёж одного клиента
// за один день.
type EntryInput struct {
	Quantity decimal.Decimal
	Payment  decimal.Decimal
	Method   string
	Note     string
}

// SaveEntry сохраняет разовую запись клиента за день — частный случай той же
// сверки, что и дневная ведомость. Возвращает клиента с пересчитанными
// агрегатами и признак того, что книга изменилась.
func (s *Service) SaveEntry(ctx context.Context, ownerID, customerID int64, day time.Time, in EntryInput) (*model.Customer, bool, error) {
	c, err := s.repo.GetCustomer(ctx, ownerID, customerID)
	if err != nil {
		return nil, false, err
	}

	base, err := s.repo.BaseRate(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	rate := base.Add(c.SupplyRate)

	var changed bool
	err = s.repo.InTx(ctx, func(store ledger.UnitStore) error {
		var err error
		changed, err = ledger.NewEngine(store).SaveDay(ctx, c, day, ledger.DayInput{
			Quantity: in.Quantity,
			Payment:  in.Payment,
			Method:   in.Method,
			Note:     in.Note,
		}, rate)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	return c, changed, nil
}

// DeleteEntry удаляет одну операцию клиента и пересчитывает его книгу.
func (s *Service) DeleteEntry(ctx context.Context, ownerID, customerID, entryID int64) (*model.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, ownerID, customerID)
	if err != nil {
		return nil, err
	}

	err = s.repo.InTx(ctx, func(store ledger.UnitStore) error {
		txs, err := store.TransactionsByCustomer(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		owned := false
		for i := range txs {
			if txs[i].ID == entryID {
				owned = true
				break
			}
		}
		if !owned {
			return repository.ErrTransactionNotFound
		}
		return ledger.NewEngine(store).DeleteTransaction(ctx, c, entryID)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Statement возвращает клиента и его операции в каноническом порядке с
// балансом после каждой операции. Слои отображения потребляют эти значения
// как есть и никогда не вычисляют собственных.
func (s *Service) Statement(ctx context.Context, ownerID, customerID int64) (*model.Customer, []model.Transaction, error) {
	c, err := s.repo.GetCustomer(ctx, ownerID, customerID)
	if err != nil {
		return nil, nil, err
	}

	txs, err := s.repo.TransactionsByCustomer(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}

	ledger.SortCanonical(txs)

	return c, txs, nil
}

// RestoreTransaction описывает одну импортированную операцию. Производные
// поля резервной копии (балансы, агрегаты) не импортируются: после замены
// набора их заново вычисляет пересчёт.
type RestoreTransaction struct {
	Day      time.Time
	Kind     model.TransactionKind
	Quantity decimal.Decimal
	Rate     decimal.Decimal
	Amount   decimal.Decimal
	Method   string
	Note     string
}

// RestoreCustomer описывает полный набор операций одного клиента в импорте.
type RestoreCustomer struct {
	CustomerID   int64
	Transactions []RestoreTransaction
}

// Restore заменяет наборы операций перечисленных клиентов импортированными
// и пересчитывает книгу каждого. Каждый клиент восстанавливается отдельной
// атомарной единицей работы: при сбое посреди импорта уже восстановленные
// клиенты согласованы, остальные не тронуты.
func (s *Service) Restore(ctx context.Context, ownerID int64, customers []RestoreCustomer) error {
	for _, rc := range customers {
		c, err := s.repo.GetCustomer(ctx, ownerID, rc.CustomerID)
		if err != nil {
			return fmt.Errorf("customer %d: %w", rc.CustomerID, err)
		}

		if err := validateRestore(rc.Transactions); err != nil {
			return fmt.Errorf("customer %d: %w", rc.CustomerID, err)
		}

		err = s.repo.InTx(ctx, func(store ledger.UnitStore) error {
			if err := store.PurgeCustomerTransactions(ctx, c.ID); err != nil {
				return err
			}

			for _, rt := range rc.Transactions {
				t := &model.Transaction{
					CustomerID: c.ID,
					Day:        model.Day(rt.Day),
					Kind:       rt.Kind,
					Method:     rt.Method,
					Note:       rt.Note,
				}
				switch rt.Kind {
				case model.TransactionKindSupply:
					t.Quantity = rt.Quantity
					t.Rate = rt.Rate
					// Инвариант amount = quantity × rate восстанавливается
					// из исходных полей, а не берётся из копии.
					t.Amount = rt.Quantity.Mul(rt.Rate)
				case model.TransactionKindPayment:
					t.Amount = rt.Amount
				}
				if _, err := store.InsertTransaction(ctx, t); err != nil {
					return err
				}
			}

			_, err := ledger.NewEngine(store).Replay(ctx, c)
			return err
		})
		if err != nil {
			return fmt.Errorf("customer %d: %w", rc.CustomerID, err)
		}
	}

	return nil
}

func validateRestore(txs []RestoreTransaction) error {
	for _, rt := range txs {
		switch rt.Kind {
		case model.TransactionKindSupply:
			if !rt.Quantity.IsPositive() {
				return ErrInvalidImportValue
			}
		case model.TransactionKindPayment:
			if !rt.Amount.IsPositive() {
				return ErrInvalidImportValue
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownTransactionKind, rt.Kind)
		}
	}
	return nil
}
