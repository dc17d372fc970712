package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/pathvalidator"
)

type validationMetrics struct {
	mu              sync.Mutex
	verdicts        map[pathvalidator.Verdict]uint64
	paymentFailures map[xerrors.Code]uint64
	feesCollected   uint64
	charged         uint64
}

var validationCollector = &validationMetrics{
	verdicts:        make(map[pathvalidator.Verdict]uint64),
	paymentFailures: make(map[xerrors.Code]uint64),
}

// ObserveValidation is a pathvalidator.Observer feeding the validation
// counters. Register it with pathvalidator.WithObserver.
func ObserveValidation(_ context.Context, outcome pathvalidator.Outcome, err error) {
	validationCollector.observe(outcome, err)
}

func (c *validationMetrics) observe(outcome pathvalidator.Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome.Charged {
		c.charged++
		c.feesCollected += outcome.Fee
	}
	if outcome.Verdict != "" {
		c.verdicts[outcome.Verdict]++
		return
	}
	if pathvalidator.IsPaymentFailure(err) {
		cause := xerrors.CodeUnknown
		if e, ok := xerrors.From(err); ok {
			if code := e.Metadata()["cause"]; code != "" {
				cause = xerrors.Code(code)
			}
		}
		c.paymentFailures[cause]++
	}
}

func (c *validationMetrics) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b.WriteString("# HELP pathproof_validations_total Validations that reached a verdict.\n")
	b.WriteString("# TYPE pathproof_validations_total counter\n")
	verdicts := make([]string, 0, len(c.verdicts))
	for v := range c.verdicts {
		verdicts = append(verdicts, string(v))
	}
	sort.Strings(verdicts)
	for _, v := range verdicts {
		fmt.Fprintf(b, "pathproof_validations_total{verdict=\"%s\"} %d\n", escape(v), c.verdicts[pathvalidator.Verdict(v)])
	}

	b.WriteString("# HELP pathproof_payment_failures_total Validations rejected because the fee could not be charged.\n")
	b.WriteString("# TYPE pathproof_payment_failures_total counter\n")
	causes := make([]string, 0, len(c.paymentFailures))
	for code := range c.paymentFailures {
		causes = append(causes, string(code))
	}
	sort.Strings(causes)
	for _, code := range causes {
		fmt.Fprintf(b, "pathproof_payment_failures_total{cause=\"%s\"} %d\n", escape(code), c.paymentFailures[xerrors.Code(code)])
	}

	b.WriteString("# HELP pathproof_fees_charged_total Validation fees committed to the ledger.\n")
	b.WriteString("# TYPE pathproof_fees_charged_total counter\n")
	fmt.Fprintf(b, "pathproof_fees_charged_total %d\n", c.charged)

	b.WriteString("# HELP pathproof_fees_collected_total Sum of committed validation fees in subunits.\n")
	b.WriteString("# TYPE pathproof_fees_collected_total counter\n")
	fmt.Fprintf(b, "pathproof_fees_collected_total %d\n", c.feesCollected)
}
