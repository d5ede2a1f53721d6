package models

// User is the application's view of an authenticated account.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
	Avatar    string
}

// DisplayName returns the full name, falling back to the email when no name was registered.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Email
	}
}
