package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/chain"
	"github.com/Fluffy9/Gasless-Runner/internal/config"
)

// BatchCaller issues several eth_calls in one round trip.
type BatchCaller interface {
	Call(ctx context.Context, reqs []chain.CallRequest) ([][]byte, error)
}

// QuotaRecord is a read-through view of a subscriber's on-chain quota.
type QuotaRecord struct {
	Used       *big.Int // raw limiter units
	Remaining  string   // TotalQuota - Used, in Unit, never negative
	Unit       string
	TotalQuota string
	ResetDate  *big.Int // nextPeriod, as returned by the contract
}

// QuotaOracle reads usage and reset time from the plan's limiter contract.
type QuotaOracle struct {
	caller  BatchCaller
	limiter *chain.Limiter
	plan    config.Plan
	total   *big.Rat
	divisor *big.Rat
	log     *zap.Logger
}

func NewQuotaOracle(caller BatchCaller, limiter *chain.Limiter, plan config.Plan, log *zap.Logger) (*QuotaOracle, error) {
	total, ok := new(big.Rat).SetString(plan.Quota)
	if !ok {
		return nil, fmt.Errorf("plan %q: invalid quota %q", plan.Name, plan.Quota)
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(plan.Decimals)), nil)
	return &QuotaOracle{
		caller:  caller,
		limiter: limiter,
		plan:    plan,
		total:   total,
		divisor: new(big.Rat).SetInt(divisor),
		log:     log,
	}, nil
}

// GetQuota reads quota(subject) and nextPeriod(subject) in a single batch.
func (o *QuotaOracle) GetQuota(ctx context.Context, subject common.Address) (QuotaRecord, error) {
	const op = "quota"

	quotaData, err := o.limiter.PackQuota(subject)
	if err != nil {
		return QuotaRecord{}, newError(KindValidation, op, "pack quota", err)
	}
	periodData, err := o.limiter.PackNextPeriod(subject)
	if err != nil {
		return QuotaRecord{}, newError(KindValidation, op, "pack nextPeriod", err)
	}

	raw, err := o.caller.Call(ctx, []chain.CallRequest{
		{To: o.limiter.Address(), Data: quotaData},
		{To: o.limiter.Address(), Data: periodData},
	})
	if err != nil {
		var ee *chain.ElemError
		if errors.As(err, &ee) {
			reason, _ := chain.RevertReason(err)
			return QuotaRecord{}, newError(KindContractRead, op, reason, err)
		}
		return QuotaRecord{}, newError(KindRPC, op, "", err)
	}

	used, err := o.limiter.UnpackUint("quota", raw[0])
	if err != nil {
		return QuotaRecord{}, newError(KindContractRead, op, "", err)
	}
	reset, err := o.limiter.UnpackUint("nextPeriod", raw[1])
	if err != nil {
		return QuotaRecord{}, newError(KindContractRead, op, "", err)
	}

	o.log.Debug("quota read",
		zap.String("subject", subject.Hex()),
		zap.String("used", used.String()),
		zap.String("reset", reset.String()),
	)

	return QuotaRecord{
		Used:       used,
		Remaining:  o.remaining(used),
		Unit:       o.plan.Unit,
		TotalQuota: o.plan.Quota,
		ResetDate:  reset,
	}, nil
}

// remaining converts used into the plan unit and subtracts it from the total.
func (o *QuotaOracle) remaining(used *big.Int) string {
	usedUnits := new(big.Rat).Quo(new(big.Rat).SetInt(used), o.divisor)
	left := new(big.Rat).Sub(o.total, usedUnits)
	if left.Sign() < 0 {
		left.SetInt64(0)
	}
	return formatRat(left, o.plan.Decimals)
}

// formatRat prints r with at most prec fractional digits and no trailing zeros.
func formatRat(r *big.Rat, prec int) string {
	s := r.FloatString(prec)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
