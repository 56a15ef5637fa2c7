// Package types defines the shared data model and error taxonomy used
// across the server: generation payloads and results, streaming chunks,
// and structured errors with stable codes.
package types
