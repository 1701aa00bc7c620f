package common

import (
	"errors"
	"math"
	"math/big"
)

var (
	ErrQuotaBorrowsExceeded = errors.New("quota borrows exceeded")
	ErrQuotaVolumeExceeded  = errors.New("quota borrow volume exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current borrow usage counters for an address.
type QuotaNow struct {
	BorrowCount uint32
	VolumeWei   *big.Int
	EpochID     uint64
}

// Quota defines the borrow throttles enforced per borrower address. A zero
// limit disables the corresponding check.
type Quota struct {
	MaxBorrowsPerEpoch uint32
	MaxVolumePerEpoch  *big.Int
	EpochSeconds       uint32
}

// CheckQuota verifies whether one additional borrow of the given loan-token
// volume fits within the configured quota. The returned QuotaNow reflects the
// updated counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addVolume *big.Int) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}
	if next.VolumeWei == nil {
		next.VolumeWei = big.NewInt(0)
	}

	if next.BorrowCount == math.MaxUint32 {
		return prev, ErrQuotaCounterOverflow
	}
	next.BorrowCount++
	if q.MaxBorrowsPerEpoch > 0 && next.BorrowCount > q.MaxBorrowsPerEpoch {
		return prev, ErrQuotaBorrowsExceeded
	}

	if addVolume != nil && addVolume.Sign() > 0 {
		next.VolumeWei = new(big.Int).Add(next.VolumeWei, addVolume)
	}
	if q.MaxVolumePerEpoch != nil && q.MaxVolumePerEpoch.Sign() > 0 && next.VolumeWei.Cmp(q.MaxVolumePerEpoch) > 0 {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
