// Package housekeeping reclaims disk space left behind by interrupted work:
// spooled generation artifacts nobody fetched and partial transcode outputs
// whose writer died before the rename.
package housekeeping
