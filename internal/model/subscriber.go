// internal/model/subscriber.go
package model

// Subscriber is an active newsletter recipient. The subscription itself is owned elsewhere;
// delivery only reads it.
type Subscriber struct {
	Email             string `db:"email" json:"email"`
	PreferredLanguage string `db:"preferred_language" json:"preferred_language"`
}
