package accrual

import (
	"os"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// NewSessionID returns a time ordered id encoded as base58.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return base58.Encode(id[:])
}

// DefaultDeviceID derives a stable id from the hostname.
func DefaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(host))
	return base58.Encode(id[:])
}
