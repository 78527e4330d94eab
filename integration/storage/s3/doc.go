// Package s3 stores distributed token buckets in Amazon S3 or an
// S3-compatible service.
//
// Each bucket key maps to one object under Config.Prefix. Compare-and-swap
// uses S3 conditional writes: an update is a PutObject with If-Match set to
// the ETag returned by the last load, and creation uses If-None-Match: *.
// A failed precondition is a lost swap, which the executor retries.
//
//	backend, err := s3.New(ctx, s3.Config{
//		Bucket: "rate-limits",
//		Region: "eu-central-1",
//	})
//	if err != nil {
//		return err
//	}
//	manager := remote.NewProxyManager(backend)
//
// S3 has no per-object TTL. The expiry is stored in the object metadata and
// expired objects are treated as absent; configure a bucket lifecycle rule
// on the prefix to delete them.
//
// For MinIO and similar services set Endpoint and ForcePathStyle. Tests and
// advanced setups can pass their own client with WithS3Client.
//
// Errors from S3 are mapped onto ErrAccessDenied, ErrBucketNotFound,
// ErrServiceUnavailable, ErrOperationTimeout and ErrOperationCanceled.
package s3
