package escrow

import "math/big"

// Fee and time-lock policy. Pure functions; all engine money math funnels
// through here so the split is computed exactly once per deal, always from the
// original amount.
const (
	// FeeBps is the arbitration fee in basis points (150 = 1.5%).
	FeeBps = 150
	// FeeDenominator is the basis-point denominator.
	FeeDenominator = 10_000

	// RefundWindow is the minimum time a deal must sit in the running phase
	// before the buyer can reclaim the funds.
	RefundWindow int64 = 14 * 24 * 60 * 60
	// ForcedWithdrawalWindow is the minimum time a deal must sit in the success
	// phase before the seller can force the release.
	ForcedWithdrawalWindow int64 = 14 * 24 * 60 * 60
)

// Fee returns the arbitration fee for the amount, truncated toward zero.
func Fee(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(FeeBps))
	return fee.Div(fee, big.NewInt(FeeDenominator))
}

// Split returns (payout, fee) such that payout + fee == amount exactly.
func Split(amount *big.Int) (*big.Int, *big.Int) {
	fee := Fee(amount)
	payout := new(big.Int).Sub(cloneBigInt(amount), fee)
	return payout, fee
}

// RefundEligible reports whether a running deal that entered its phase at
// enteredAt can be refunded at now.
func RefundEligible(enteredAt, now int64) bool {
	return now >= enteredAt+RefundWindow
}

// ForcedWithdrawalEligible reports whether the seller can force a withdrawal
// at now for a deal that entered the success phase at enteredAt.
func ForcedWithdrawalEligible(enteredAt, now int64) bool {
	return now >= enteredAt+ForcedWithdrawalWindow
}
