// Package service holds the connection graph and direct message logic on
// top of a db.Store.
package service

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxUserIDBytes bounds user ids accepted by every operation.
	MaxUserIDBytes = 128

	DefaultTTL          = 24 * time.Hour
	DefaultMaxTextBytes = 4096
)

type Options struct {
	// TTL is the lifespan of requests and messages.
	TTL time.Duration
	// MaxTextBytes bounds message text. Channel only.
	MaxTextBytes int
	// Now is the service clock; tests replace it.
	Now func() time.Time
	// NewID generates record ids.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxTextBytes <= 0 {
		o.MaxTextBytes = DefaultMaxTextBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// userID trims and checks a single id.
func userID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalidArg("%s is required", field)
	}
	if len(id) > MaxUserIDBytes {
		return "", invalidArg("%s must be at most %d bytes", field, MaxUserIDBytes)
	}
	return id, nil
}

// userPair checks both ids of a pair operation. distinct rejects from == to.
func userPair(first, second string, names [2]string, distinct bool) (string, string, error) {
	a, err := userID(names[0], first)
	if err != nil {
		return "", "", err
	}
	b, err := userID(names[1], second)
	if err != nil {
		return "", "", err
	}
	if distinct && a == b {
		return "", "", invalidArg("%s and %s must be different users", names[0], names[1])
	}
	return a, b, nil
}

var (
	fromTo = [2]string{"from", "to"}
	userAB = [2]string{"user_a", "user_b"}
)
