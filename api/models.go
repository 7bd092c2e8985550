package api

import "time"

// User is the service's record of an identity-provider user.
type User struct {
	ID             string    `json:"id"`
	UID            string    `json:"uid"`
	Email          string    `json:"email"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// UserInfo is the user as returned to clients.
type UserInfo struct {
	ID    string `json:"id"`
	UID   string `json:"uid"`
	Email string `json:"email"`
}

func (u *User) info() *UserInfo {
	return &UserInfo{ID: u.ID, UID: u.UID, Email: u.Email}
}

type MessageResponse struct {
	Message string `json:"message"`
}

type LoginResponse struct {
	Message string    `json:"message"`
	User    *UserInfo `json:"user"`
}

type ValidateResponse struct {
	Valid   bool      `json:"valid"`
	Message string    `json:"message"`
	User    *UserInfo `json:"user,omitempty"`
}

type CurrentUserResponse struct {
	Authenticated bool      `json:"authenticated"`
	User          *UserInfo `json:"user"`
}
