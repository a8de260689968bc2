package domain

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusCancelled TransactionStatus = "cancelled"
	TxStatusRefunded  TransactionStatus = "refunded"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:   {TxStatusCompleted, TxStatusCancelled},
	TxStatusCompleted: {TxStatusCancelled, TxStatusRefunded},
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusCompleted, TxStatusCancelled, TxStatusRefunded:
		return true
	}
	return false
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return contains(transactionTransitions[s], next)
}

type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "unpaid"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

var paymentStatusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusUnpaid:        {PaymentStatusPartiallyPaid, PaymentStatusPaid},
	PaymentStatusPartiallyPaid: {PaymentStatusPaid},
	PaymentStatusPaid:          {PaymentStatusRefunded},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusPartiallyPaid, PaymentStatusPaid, PaymentStatusRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return contains(paymentStatusTransitions[s], next)
}

// PaymentRecordStatus is the lifecycle of a single persisted payment.
type PaymentRecordStatus string

const (
	PaymentRecordPending   PaymentRecordStatus = "pending"
	PaymentRecordCompleted PaymentRecordStatus = "completed"
	PaymentRecordFailed    PaymentRecordStatus = "failed"
	PaymentRecordCancelled PaymentRecordStatus = "cancelled"
)

var paymentRecordTransitions = map[PaymentRecordStatus][]PaymentRecordStatus{
	PaymentRecordPending:   {PaymentRecordCompleted, PaymentRecordFailed, PaymentRecordCancelled},
	PaymentRecordCompleted: {PaymentRecordCancelled},
}

func (s PaymentRecordStatus) Valid() bool {
	switch s {
	case PaymentRecordPending, PaymentRecordCompleted, PaymentRecordFailed, PaymentRecordCancelled:
		return true
	}
	return false
}

func (s PaymentRecordStatus) CanTransitionTo(next PaymentRecordStatus) bool {
	return contains(paymentRecordTransitions[s], next)
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
