// Package simpleupload provides the ingestion side of an authenticated
// multipart upload service: a Guard that enforces per-file and per-request
// constraints, a Writer that persists accepted files under generated names,
// and a Service that runs a request's files as a single batch.
//
// Storage is pluggable through BlobStore (filesystem, S3, memory backends live
// under storage/) and completed submissions are recorded through Repository
// (memory and Postgres implementations under repo/).
//
// # Batch semantics
//
// A batch is all-or-nothing. When any file in a request is rejected or fails
// to persist, every file already stored for that request is deleted before the
// error is returned, and nothing is recorded in the repository.
package simpleupload
