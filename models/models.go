package models

import (
	"strconv"
	"time"
)

// ConnectionRequest is a directed, time-limited proposal from one user to another.
type ConnectionRequest struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the request is past its lifespan at now.
func (r ConnectionRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Connection is a permanent, undirected relationship between two users.
// Users is kept in canonical (sorted) order.
type Connection struct {
	ID        string    `json:"id"`
	Users     [2]string `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewConnection builds a connection with Users in canonical order.
func NewConnection(id, a, b string, createdAt time.Time) Connection {
	if b < a {
		a, b = b, a
	}
	return Connection{ID: id, Users: [2]string{a, b}, CreatedAt: createdAt}
}

// Has reports whether user is a member of the connection.
func (c Connection) Has(user string) bool {
	return c.Users[0] == user || c.Users[1] == user
}

// Other returns the member that is not user.
func (c Connection) Other(user string) string {
	if c.Users[0] == user {
		return c.Users[1]
	}
	return c.Users[0]
}

// Message is one direct message. Seq is assigned by the store on insert
// and breaks ties between messages with the same CreatedAt.
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the message is past its lifespan at now.
func (m Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// PairKey returns the canonical key of an unordered user pair.
// Ids are length-prefixed so that no two distinct pairs share a key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + "|" + b
}
