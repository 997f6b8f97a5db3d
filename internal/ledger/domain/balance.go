package domain

// Balance summarizes completed ledger rows for one payment.
type Balance struct {
	Charged  int64
	Reversed int64
}

func (b Balance) Net() int64 {
	return b.Charged - b.Reversed
}

// Summarize folds completed rows into a Balance; pending and failed rows
// carry no money.
func Summarize(entries []PaymentTransaction) Balance {
	var b Balance
	for _, entry := range entries {
		if entry.Status != TransactionStatusCompleted {
			continue
		}
		switch {
		case entry.Type == TransactionTypeCharge:
			b.Charged += entry.Amount
		case entry.Type.IsReversal():
			b.Reversed += entry.Amount
		}
	}
	return b
}
