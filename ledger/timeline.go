/*
timeline.go - Running balances over one (material, warehouse) history

WHY A TIMELINE:
  Movements carry an effective Date that may lie in the past. An exit dated
  last week lowers every balance from last week onwards, not only today's.
  Checking only CurrentBalance would let a back-dated SALIDA push an older
  point (or a point between two later movements) below zero.

  Available(at) is the largest quantity that can leave the warehouse at
  `at` without any point of the timeline going negative.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimelinePoint struct {
	At         time.Time
	MovementID MovementID
	Delta      decimal.Decimal
	Balance    decimal.Decimal // running balance after this movement
}

type Timeline struct {
	Key    BalanceKey
	Points []TimelinePoint
}

// NewTimeline builds running balances from movs, which must be in ledger order.
func NewTimeline(key BalanceKey, movs []Movement) Timeline {
	t := Timeline{Key: key, Points: make([]TimelinePoint, 0, len(movs))}
	balance := decimal.Zero
	for _, m := range movs {
		delta := m.Delta(key.WarehouseID)
		balance = balance.Add(delta)
		t.Points = append(t.Points, TimelinePoint{
			At:         m.Date,
			MovementID: m.ID,
			Delta:      delta,
			Balance:    balance,
		})
	}
	return t
}

// BalanceAt is the running balance after every point dated at or before at.
func (t Timeline) BalanceAt(at time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, p := range t.Points {
		if p.At.After(at) {
			break
		}
		balance = p.Balance
	}
	return balance
}

// Final is the balance after the whole history.
func (t Timeline) Final() decimal.Decimal {
	if len(t.Points) == 0 {
		return decimal.Zero
	}
	return t.Points[len(t.Points)-1].Balance
}

// Available returns the quantity that can be withdrawn at `at`. A new
// movement dated `at` sorts after every existing movement with the same
// date, so the affected points are the balance at `at` itself and every
// point dated strictly later. For an exit dated today that is the current
// balance and every future-dated point.
func (t Timeline) Available(at time.Time) decimal.Decimal {
	lowest := t.BalanceAt(at)
	for _, p := range t.Points {
		if p.At.After(at) && p.Balance.LessThan(lowest) {
			lowest = p.Balance
		}
	}
	return lowest
}

// FirstNegative returns the first point whose running balance is below
// zero, or nil. A healthy ledger never has one.
func (t Timeline) FirstNegative() *TimelinePoint {
	for i := range t.Points {
		if t.Points[i].Balance.IsNegative() {
			p := t.Points[i]
			return &p
		}
	}
	return nil
}
