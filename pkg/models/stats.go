package models

import "time"

// PathStat is the access ledger entry for a single request path.
type PathStat struct {
	Path       string    `json:"path"`
	Hits       uint64    `json:"hits"`
	LastStatus int       `json:"last_status"`
	LastSeen   time.Time `json:"last_seen"`
}
