package users

import "time"

// User represents a platform account as seen by the authorization core. The
// outer application owns registration and profile data; this core only
// reads the fields resolution depends on.
type User struct {
	ID            int64
	Email         string
	Name          string
	IsSystemAdmin bool
	IsActive      bool
	LegacyLevel   *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
