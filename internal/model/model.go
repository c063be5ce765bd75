// Package model содержит доменные сущности сервиса учёта поставок.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет оператора, ведущего книгу учёта своих клиентов.
// BaseRate — базовая цена за единицу поставки; действующая цена клиента
// складывается из базовой и персональной надбавки клиента.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	BaseRate     decimal.Decimal
	CreatedAt    time.Time
}

// Customer описывает клиента и его агрегированные показатели.
// CurrentBalance, TotalSupplied, TotalPaid и LastSupplyDate — производные
// поля: они всегда равны результату пересчёта всей истории операций от
// OpeningBalance и записываются только движком пересчёта.
// Положительный баланс означает долг клиента перед бизнесом.
type Customer struct {
	ID             int64
	OwnerID        int64
	Name           string
	Phone          string
	OpeningBalance decimal.Decimal
	SupplyRate     decimal.Decimal
	CurrentBalance decimal.Decimal
	TotalSupplied  decimal.Decimal
	TotalPaid      decimal.Decimal
	LastSupplyDate time.Time
	CreatedAt      time.Time
}

// TransactionKind описывает вид операции в книге клиента.
type TransactionKind string

const (
	TransactionKindSupply  TransactionKind = "SUPPLY"
	TransactionKindPayment TransactionKind = "PAYMENT"
)

// Transaction описывает одну операцию клиента за календарный день.
// Для SUPPLY заполнены Quantity, Rate и Amount = Quantity × Rate,
// для PAYMENT — Amount и опциональные Method и Note.
// BalanceAfter — производное поле: баланс клиента сразу после применения
// операции в каноническом порядке; переписывается каждым пересчётом.
type Transaction struct {
	ID           int64
	CustomerID   int64
	Day          time.Time
	Kind         TransactionKind
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
	Amount       decimal.Decimal
	Method       string
	Note         string
	BalanceAfter decimal.Decimal
}

// Day нормализует момент времени до календарного дня.
// Время суток в порядке операций не участвует, значим только день.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
