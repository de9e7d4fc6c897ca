// Package instance derives a stable, non-reversible identifier for this
// bridge deployment. It appears in the health payload and as a metrics label.
package instance

import (
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "trading-bridge"

var (
	once sync.Once
	id   string
	// machineID is a variable for testing purposes
	machineID = func() (string, error) { return machineid.ProtectedID(appID) }
)

// ID returns the first 12 hex characters of the app-scoped machine hash.
// Hosts without a readable machine id get a random per-process value.
func ID() string {
	once.Do(func() {
		mid, err := machineID()
		if err != nil || len(mid) < 12 {
			id = "ephemeral-" + uuid.NewString()[:8]
			return
		}
		id = mid[:12]
	})
	return id
}
