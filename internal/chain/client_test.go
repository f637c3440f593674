// Copyright 2025 Ceramic Anchor Service

package chain

import (
	"math/big"
	"testing"
)

func TestComputeFeesNoBumpOnFirstAttempt(t *testing.T) {
	baseFee := big.NewInt(100)
	tipCap := big.NewInt(10)

	fees := computeFees(baseFee, tipCap, 0)
	if fees.maxPriorityFeePerGas.Cmp(tipCap) != 0 {
		t.Errorf("expected unbumped priority fee on first attempt, got %s", fees.maxPriorityFeePerGas)
	}
	wantMaxFee := big.NewInt(130) // 100*1.2 + 10
	if fees.maxFeePerGas.Cmp(wantMaxFee) != 0 {
		t.Errorf("expected max fee %s, got %s", wantMaxFee, fees.maxFeePerGas)
	}
}

func TestComputeFeesBumpsPriorityFeeByTenPercentPerAttempt(t *testing.T) {
	baseFee := big.NewInt(100)
	tipCap := big.NewInt(100)

	fees := computeFees(baseFee, tipCap, 2)
	wantPriority := big.NewInt(120) // 100 * (100+20)/100
	if fees.maxPriorityFeePerGas.Cmp(wantPriority) != 0 {
		t.Errorf("expected priority fee %s at attempt 2, got %s", wantPriority, fees.maxPriorityFeePerGas)
	}
	wantMaxFee := big.NewInt(240) // 100*1.2 + 120
	if fees.maxFeePerGas.Cmp(wantMaxFee) != 0 {
		t.Errorf("expected max fee %s, got %s", wantMaxFee, fees.maxFeePerGas)
	}
}
