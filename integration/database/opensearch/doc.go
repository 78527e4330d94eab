// Package opensearch connects to an OpenSearch cluster and stores
// distributed token buckets in an index.
//
// New creates a client from Config and fails fast when the cluster does not
// answer the info endpoint. Healthcheck returns the same probe for readiness
// endpoints.
//
//	client, err := opensearch.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	backend := opensearch.NewBackend(client, cfg.Index)
//	if err := backend.EnsureIndex(ctx); err != nil {
//		return err
//	}
//
// # Backend
//
// Each bucket is a document whose id is the bucket key. Loads return the
// document's sequence number and primary term as the stamp, and updates are
// indexed with if_seq_no and if_primary_term. Creation uses op_type=create.
// A 409 response is a lost compare-and-swap.
//
// OpenSearch has no document TTL. Expired documents are treated as absent
// and overwritten on the next create; they are never deleted automatically.
//
// # Configuration
//
//   - OPENSEARCH_ADDRESSES: comma separated node URLs (required)
//   - OPENSEARCH_USERNAME, OPENSEARCH_PASSWORD: basic auth
//   - OPENSEARCH_INDEX: bucket index (default "rate-limit-buckets")
//   - OPENSEARCH_MAX_RETRIES: transport retries (default 3)
//   - OPENSEARCH_DISABLE_RETRY: default false
//
// # Errors
//
//   - ErrConnectionFailed: the client could not be created
//   - ErrHealthcheckFailed: the cluster did not answer
//   - ErrUnexpectedStatus: a request returned an unexpected status
package opensearch
