// Package statelog implements an append-only key/value store persisted as
// a linear commit history on a dedicated git reference.
//
// Every Write produces a new commit whose tree replaces one blob; the
// previous tip becomes the parent, so prior versions of every key stay
// reachable through History. The log never touches the repository's
// working tree or index, and a commit either exists fully or not at all,
// which makes partial writes impossible by construction.
//
// The log provides no isolation between overlapping writers: two processes
// that both read the old tip and race to repoint the reference will lose
// one update. Callers that share a log across processes must serialize
// writes through contextstore.WithLock.
package statelog
