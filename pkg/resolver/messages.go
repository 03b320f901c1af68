package resolver

import (
	"github.com/opencontainers/go-digest"

	"tagpin/pkg/oci"
)

// Messages consumed by the resolver loop. Every state transition is a
// reaction to exactly one of these; async work completions re-enter the
// loop as messages instead of being awaited inline.
type message interface {
	isMessage()
}

// lookupReply is the single reply delivered to a waiter.
type lookupReply struct {
	err    error
	digest digest.Digest
}

// waiter is the reply handle of one pending requester.
type waiter chan<- lookupReply

type lookupRequest struct {
	waiter waiter
	image  oci.Image
}

// storeLoaded carries the persisted mappings read on restart, keyed by
// stored reference string.
type storeLoaded struct {
	entries map[string]string
}

type storeLoadFailed struct {
	err error
}

// hashOK reports a successful hashing service lookup. The mapping is not
// committed until the store write completes.
type hashOK struct {
	image  oci.Image
	digest digest.Digest
}

type hashErr struct {
	err   error
	image oci.Image
}

type storePutOK struct {
	image  oci.Image
	digest digest.Digest
}

type storePutFailed struct {
	err   error
	image oci.Image
}

// lookupTimeout reports a lookup that never got a reply. It carries no
// image attribution, so the loop cannot tell which in-flight lookup was
// lost and has to fail the whole workflow.
type lookupTimeout struct{}

func (lookupRequest) isMessage()   {}
func (storeLoaded) isMessage()     {}
func (storeLoadFailed) isMessage() {}
func (hashOK) isMessage()          {}
func (hashErr) isMessage()         {}
func (storePutOK) isMessage()      {}
func (storePutFailed) isMessage()  {}
func (lookupTimeout) isMessage()   {}
