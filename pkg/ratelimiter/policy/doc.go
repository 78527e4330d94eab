// Package policy loads named bucket configurations from YAML.
//
// A policy lists one or more limits, each becoming a ratelimiter.Bandwidth:
//
//	default: api
//	policies:
//	  api:
//	    version: 1
//	    limits:
//	      - id: second
//	        capacity: 10
//	        period: 1s
//	      - id: day
//	        capacity: 10000
//	        period: 24h
//	        aligned_at: 2024-01-01T00:00:00Z
//	  login:
//	    limits:
//	      - capacity: 5
//	        refill: 1
//	        period: 1m
//	        mode: interval
//
// Periods use time.ParseDuration syntax. Refill defaults to capacity,
// mode defaults to greedy.
//
// Every policy is validated when the file is parsed. Lookups of unknown
// names fall back to the default policy when one is set.
package policy
