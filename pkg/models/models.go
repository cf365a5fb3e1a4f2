// Package models holds the shared data types of the acquisitions API.
package models

import "time"

// User is the users-table row. Password carries the bcrypt hash and is
// never serialized.
type User struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserUpdate is a partial update; nil means "leave unchanged". Password,
// when set, must already be hashed by the caller.
type UserUpdate struct {
	Name     *string
	Email    *string
	Password *string
	Role     *string
}

// Fields names the fields present in the update, in a fixed order.
func (u UserUpdate) Fields() []string {
	fields := make([]string, 0, 4)
	if u.Name != nil {
		fields = append(fields, "name")
	}
	if u.Email != nil {
		fields = append(fields, "email")
	}
	if u.Password != nil {
		fields = append(fields, "password")
	}
	if u.Role != nil {
		fields = append(fields, "role")
	}
	return fields
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil && u.Password == nil && u.Role == nil
}
