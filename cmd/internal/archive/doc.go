// Package archive packs a session's credential directory into one portable text blob and
// restores it.
//
// A blob is the standard base64 encoding of a zstd-compressed tar stream whose entries all
// live under "<session-id>/". When a Sealer with recipients is configured the compressed
// stream is additionally encrypted with age before encoding. Legacy blobs produced by
// `tar -czf - <id> | base64` are still accepted by Unpack.
//
// Unpack never leaves a half-restored directory behind: extraction happens in a staging
// directory that is verified and then renamed into place. On any failure the session's
// directory is absent.
package archive
