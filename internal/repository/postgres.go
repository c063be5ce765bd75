// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/ovolkov/supplybook/internal/ledger"
	"github.com/ovolkov/supplybook/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать оператора с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если оператор не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCustomerNotFound возвращается, если клиент не найден или принадлежит другому оператору.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrTransactionNotFound возвращается, если операция книги не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// querier объединяет pgxpool.Pool и pgx.Tx: одни и те же запросы выполняются
// как на пуле, так и внутри транзакции единицы работы.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	dbStore
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, dbStore: dbStore{q: pool}}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// TxStore реализует хранилище операций поверх одной транзакции БД.
type TxStore struct {
	dbStore
}

// InTx выполняет fn внутри одной транзакции БД: все записи единицы работы
// (сверка дня плюс пересчёт одного клиента) ложатся целиком либо не ложатся
// вовсе. Сериализационные сбои и дедлоки ретраятся целиком — пересчёт
// идемпотентен, повтор единицы работы всегда безопасен.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ledger.UnitStore) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&TxStore{dbStore{q: tx}}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// CreateUser создаёт нового оператора.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает оператора по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, base_rate, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.BaseRate, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// BaseRate возвращает базовую цену за единицу поставки оператора.
func (r *PostgresRepository) BaseRate(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT base_rate FROM users WHERE id = $1`,
		userID,
	).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("get base rate: %w", err)
	}
	return rate, nil
}

// SetBaseRate устанавливает базовую цену за единицу поставки оператора.
func (r *PostgresRepository) SetBaseRate(ctx context.Context, userID int64, rate decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET base_rate = $2 WHERE id = $1`,
		userID, rate,
	)
	if err != nil {
		return fmt.Errorf("set base rate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

const customerColumns = `id, owner_id, name, phone, opening_balance, supply_rate,
	 current_balance, total_supplied, total_paid, last_supply_date, created_at`

func scanCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.OpeningBalance, &c.SupplyRate,
		&c.CurrentBalance, &c.TotalSupplied, &c.TotalPaid, &c.LastSupplyDate, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCustomer создаёт клиента и возвращает его идентификатор.
func (r *PostgresRepository) CreateCustomer(ctx context.Context, c *model.Customer) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO customers (owner_id, name, phone, opening_balance, supply_rate,
		   current_balance, total_supplied, total_paid, last_supply_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		c.OwnerID, c.Name, c.Phone, c.OpeningBalance, c.SupplyRate,
		c.CurrentBalance, c.TotalSupplied, c.TotalPaid, c.LastSupplyDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create customer: %w", err)
	}
	return id, nil
}

// GetCustomer возвращает клиента оператора по идентификатору.
func (r *PostgresRepository) GetCustomer(ctx context.Context, ownerID, id int64) (*model.Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)

	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// ListCustomers возвращает всех клиентов оператора.
func (r *PostgresRepository) ListCustomers(ctx context.Context, ownerID int64) ([]model.Customer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE owner_id = $1 ORDER BY name, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()

	var res []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateCustomerProfile обновляет редактируемые поля клиента: имя, телефон,
// надбавку к цене и начальный баланс. Производные поля здесь не трогаются —
// после изменения начального баланса их перезаписывает пересчёт.
func (r *PostgresRepository) UpdateCustomerProfile(ctx context.Context, c *model.Customer) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE customers SET name = $3, phone = $4, supply_rate = $5, opening_balance = $6
		 WHERE id = $1 AND owner_id = $2`,
		c.ID, c.OwnerID, c.Name, c.Phone, c.SupplyRate, c.OpeningBalance,
	)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

// DeleteCustomer удаляет клиента вместе со всеми его операциями одной
// логической единицей: операции каскадируются на уровне схемы.
func (r *PostgresRepository) DeleteCustomer(ctx context.Context, ownerID, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM customers WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

// dbStore реализует контракт хранилища операций движка пересчёта поверх
// произвольного querier: пула соединений либо открытой транзакции.
type dbStore struct {
	q querier
}

const transactionColumns = `id, customer_id, day, kind, quantity, rate, amount, method, note, balance_after`

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Day, &kind, &t.Quantity, &t.Rate,
			&t.Amount, &t.Method, &t.Note, &t.BalanceAfter); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		t.Day = model.Day(t.Day)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransactionsInRange возвращает операции клиента за включительный диапазон дней.
func (s dbStore) TransactionsInRange(ctx context.Context, customerID int64, from, to time.Time) ([]model.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE customer_id = $1 AND day BETWEEN $2 AND $3`,
		customerID, model.Day(from), model.Day(to),
	)
	if err != nil {
		return nil, fmt.Errorf("select day transactions: %w", err)
	}
	return scanTransactions(rows)
}

// TransactionsByCustomer возвращает все операции клиента; порядок не
// специфицирован, канонический порядок накладывает движок пересчёта.
func (s dbStore) TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE customer_id = $1`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return scanTransactions(rows)
}

// InsertTransaction сохраняет новую операцию и возвращает её идентификатор.
func (s dbStore) InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	err := s.q.QueryRow(ctx,
		`INSERT INTO transactions (customer_id, day, kind, quantity, rate, amount, method, note, balance_after)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		t.CustomerID, model.Day(t.Day), string(t.Kind), t.Quantity, t.Rate, t.Amount, t.Method, t.Note, t.BalanceAfter,
	).Scan(&t.ID)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return t.ID, nil
}

// UpdateSupply обновляет количество, цену и сумму записи поставки.
func (s dbStore) UpdateSupply(ctx context.Context, id int64, quantity, rate, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET quantity = $2, rate = $3, amount = $4 WHERE id = $1`,
		id, quantity, rate, amount,
	)
	if err != nil {
		return fmt.Errorf("update supply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdatePayment обновляет сумму, способ и примечание записи платежа.
func (s dbStore) UpdatePayment(ctx context.Context, id int64, amount decimal.Decimal, method, note string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET amount = $2, method = $3, note = $4 WHERE id = $1`,
		id, amount, method, note,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DeleteTransaction удаляет операцию по идентификатору.
func (s dbStore) DeleteTransaction(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SetBalanceAfter записывает пересчитанный баланс после операции.
func (s dbStore) SetBalanceAfter(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET balance_after = $2 WHERE id = $1`,
		id, balance,
	)
	if err != nil {
		return fmt.Errorf("set balance after: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SetCustomerDerived записывает четыре агрегата клиента, вычисленные пересчётом.
func (s dbStore) SetCustomerDerived(ctx context.Context, customerID int64, sum ledger.Summary) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE customers SET current_balance = $2, total_supplied = $3, total_paid = $4, last_supply_date = $5
		 WHERE id = $1`,
		customerID, sum.CurrentBalance, sum.TotalSupplied, sum.TotalPaid, model.Day(sum.LastSupplyDate),
	)
	if err != nil {
		return fmt.Errorf("set customer derived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

// PurgeCustomerTransactions удаляет все операции клиента. Используется
// восстановлением из резервной копии перед вставкой импортированного набора.
func (s dbStore) PurgeCustomerTransactions(ctx context.Context, customerID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM transactions WHERE customer_id = $1`, customerID)
	if err != nil {
		return fmt.Errorf("purge transactions: %w", err)
	}
	return nil
}
