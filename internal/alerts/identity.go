package alerts

import (
	"strconv"

	"github.com/google/uuid"
)

// namespace scopes the name-based UUIDs derived for alert keys and ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:web-alerting-application:alerts"))

// AlertKey returns the stable key for the (item, kind) pair. Every alert ever raised for
// that pair shares the key; at most one of them is open at a time.
func AlertKey(itemID string, kind Kind) string {
	return uuid.NewSHA1(namespace, []byte(itemID+"|"+string(kind))).String()
}

// AlertID returns the id of the n-th alert raised for (item, kind), starting at 1.
// The same occurrence always maps to the same id so replays reproduce it.
func AlertID(itemID string, kind Kind, occurrence int) string {
	return uuid.NewSHA1(namespace, []byte(itemID+"|"+string(kind)+"|"+strconv.Itoa(occurrence))).String()
}
