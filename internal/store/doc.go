// Package store keeps raw message blobs in a maildir. Unread messages live in
// new/, read messages in cur/ with a ":2,S" info suffix. Local ids are the
// file names without the info suffix.
package store
