package domain

// OnlineUser is a roster entry, reconciled from full snapshots and
// incremental status changes.
type OnlineUser struct {
	ID          string
	DisplayName string
	Role        string
}
