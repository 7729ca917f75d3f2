// Package resilience groups the failure-handling helpers used at the
// engine's edges: opening the state database at startup and delivering
// violation alerts to webhooks.
//
//	b := circuitbreaker.New(circuitbreaker.WebhookConfig("slack"))
//	err := retry.WithBackoff(ctx, retry.WebhookConfig(), func() error {
//	    return b.Do(post)
//	})
package resilience
