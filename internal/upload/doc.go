// Package upload implements resumable chunked uploads over the tus 1.0.0
// wire protocol.
//
// A Gateway owns a Registry of per upload type callbacks, a Manager tracking
// session state in memory, and a BlobStore holding one file per session in
// the configured directory. Route modules register BeforeStart validators and
// Complete handlers keyed by the "uploadType" metadata value; the Manager
// invokes the completion handler synchronously when the final byte of a
// session has been written. A Sweeper removes blobs older than a configured
// age, independent of session state.
package upload
