package domain

import "time"

// Entity is one row of the target universe the queue builder selects from.
// The attribute columns form the fixed schema campaign predicates range over.
type Entity struct {
	ID   int64
	Name string

	Domain        string
	Category      string
	Region        string
	EmployeeCount int
	HasForm       bool

	// Blacklisted entities are operator-excluded; PolicyDetected is stamped
	// by the completion recorder when the executor reports an
	// anti-automation signal. Both exclude the entity from future builds.
	Blacklisted    bool
	PolicyDetected bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
