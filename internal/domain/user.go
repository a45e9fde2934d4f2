package domain

import (
	"strings"
	"time"
)

// User is the read model of a person we greet. The user CRUD surface is
// owned elsewhere; this pipeline only reads users and reacts to lifecycle
// notifications, so the struct carries exactly the fields delivery needs.
type User struct {
	ID              string     `json:"id" db:"id"`
	FirstName       string     `json:"first_name" db:"first_name"`
	LastName        string     `json:"last_name" db:"last_name"`
	Email           string     `json:"email" db:"email"`
	Timezone        string     `json:"timezone" db:"timezone"`
	BirthdayDate    *time.Time `json:"birthday_date,omitempty" db:"birthday_date"`
	AnniversaryDate *time.Time `json:"anniversary_date,omitempty" db:"anniversary_date"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// FullName joins first and last name, tolerating a missing last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Deleted reports whether the user has been soft-deleted.
func (u *User) Deleted() bool {
	return u.DeletedAt != nil
}

// EventDate returns the anchor date for the given message type, or nil
// when the user has no such event on record.
func (u *User) EventDate(t MessageType) *time.Time {
	switch t {
	case TypeBirthday:
		return u.BirthdayDate
	case TypeAnniversary:
		return u.AnniversaryDate
	}
	return nil
}
