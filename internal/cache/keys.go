package cache

import "fmt"

// IdempotencyKey namespaces a client-supplied Idempotency-Key header.
func IdempotencyKey(clientKey string) string {
	return fmt.Sprintf("smartscale:idem:%s", clientKey)
}

func RateLimitKey(identity string) string {
	return fmt.Sprintf("smartscale:ratelimit:%s", identity)
}
