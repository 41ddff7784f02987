// Package daemon exposes the machine pool over a unix socket. Every
// connection carries exactly one CBOR request and one CBOR response.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/crepererum/cloudexec/internal/vm"
)

// Actions understood by the server.
const (
	ActionGetContainer = "get_container"
	ActionList         = "list"
)

// Error codes carried in failed responses.
const (
	CodeUnknownProfile       = "unknown_profile"
	CodeUnknownAccount       = "unknown_account"
	CodeUnknownProvider      = "unknown_provider"
	CodeInvalidConfiguration = "invalid_configuration"
	CodeImageNotFound        = "image_not_found"
	CodeSizeNotFound         = "size_not_found"
	CodeInternal             = "internal"
)

// LeaseVersion is the only lease record version this build understands.
const LeaseVersion = 1

// ErrMalformedLease reports a lease record that failed validation.
var ErrMalformedLease = errors.New("malformed lease record")

// Request is the wire form of a client request.
type Request struct {
	Action  string `cbor:"action"`
	Profile string `cbor:"profile,omitempty"`
}

// Response is the envelope of every server reply.
type Response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Code  string          `cbor:"code,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// LeaseRecord is the versioned wire form of a lease.
type LeaseRecord struct {
	V       int    `cbor:"v"`
	Address string `cbor:"address"`
	User    string `cbor:"user"`
	Key     string `cbor:"key"`
}

// NewLeaseRecord converts a lease to its wire form.
func NewLeaseRecord(lease vm.Lease) LeaseRecord {
	return LeaseRecord{V: LeaseVersion, Address: lease.Address, User: lease.User, Key: lease.KeyPath}
}

// Validate checks the version and that every field is present.
func (r LeaseRecord) Validate() error {
	if r.V != LeaseVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedLease, r.V)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"address", r.Address},
		{"user", r.User},
		{"key", r.Key},
	} {
		if field.value == "" {
			return fmt.Errorf("%w: %s is empty", ErrMalformedLease, field.name)
		}
	}
	return nil
}

// Lease converts a validated record back into a lease.
func (r LeaseRecord) Lease() vm.Lease {
	return vm.Lease{Address: r.Address, User: r.User, KeyPath: r.Key}
}

// DecodeLease decodes and validates a lease record.
func DecodeLease(data []byte) (vm.Lease, error) {
	var record LeaseRecord
	if err := unmarshal(data, &record); err != nil {
		return vm.Lease{}, fmt.Errorf("%w: %v", ErrMalformedLease, err)
	}
	if err := record.Validate(); err != nil {
		return vm.Lease{}, err
	}
	return record.Lease(), nil
}

// ListEntry is one ready machine in a list response.
type ListEntry struct {
	Profile string `cbor:"profile"`
	Address string `cbor:"address"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("daemon: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("daemon: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
