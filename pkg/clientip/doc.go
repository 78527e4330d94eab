// Package clientip extracts the client IP address from HTTP requests.
//
// Headers are checked in this order:
//  1. CF-Connecting-IP (Cloudflare)
//  2. DO-Connecting-IP (DigitalOcean)
//  3. X-Forwarded-For (leftmost entry)
//  4. X-Real-IP
//  5. RemoteAddr
//
// Invalid values and the unspecified address 0.0.0.0 are skipped. Returned
// addresses are normalized through net.IP.String, so IPv6 addresses come
// back in their canonical short form.
//
//	key := clientip.GetIP(r)
//	res, err := limiter.Allow(r.Context(), key)
//
// Only trust these headers when the service runs behind a proxy that sets
// them; otherwise clients can choose their own rate limit key.
package clientip
