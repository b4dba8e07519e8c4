package domain

import "time"

// User is a credit holder. ChatID links the account to the chat front end.
type User struct {
	ID        string    `json:"id" db:"id"`
	ChatID    *int64    `json:"chat_id,omitempty" db:"chat_id"`
	Username  string    `json:"username,omitempty" db:"username"`
	Balance   int       `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
