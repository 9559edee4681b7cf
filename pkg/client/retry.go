package client

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/grafana/kafkaclient/pkg/errs"
)

// WithRetry runs attempt until it succeeds, fails non-retriably, or the
// configured retry budget is spent. Network errors and retriable protocol
// codes qualify for another attempt; shouldSkipRetry can veto one. A
// non-retriable first attempt surfaces the error alone, anything later is
// aggregated.
func (c *Client) WithRetry(ctx context.Context, opID string, attempt func(ctx context.Context) error, shouldSkipRetry func(error) bool) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.RetryDelay,
		MaxBackoff: 8 * c.cfg.RetryDelay,
		MaxRetries: c.cfg.Retries + 1,
	})

	var failures []error
	for boff.Ongoing() {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		failures = append(failures, err)

		if !errs.IsRetriable(err) || (shouldSkipRetry != nil && shouldSkipRetry(err)) {
			if len(failures) == 1 {
				return err
			}
			break
		}

		level.Debug(c.logger).Log("msg", "operation failed, retrying", "op", opID, "attempt", len(failures), "err", err)
		metricRetriesTotal.WithLabelValues(opID).Inc()
		boff.Wait()
	}

	switch len(failures) {
	case 0:
		return errs.Wrap(errs.KindTimeout, opID+" cancelled before any attempt", boff.Err())
	case 1:
		return failures[0]
	default:
		return errs.NewMultiple(fmt.Sprintf("%s failed %d times", opID, len(failures)), failures...)
	}
}
