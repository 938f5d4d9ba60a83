package internal

import "fmt"

// SessionKey builds the canonical cache/queue key for one connection of a
// user. The format is stable because other service instances parse it when
// reconciling presence state.
func SessionKey(userID, connectionID string) string {
	return fmt.Sprintf("%s:%s", userID, connectionID)
}
