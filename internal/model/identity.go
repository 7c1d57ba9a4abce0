package model

// Identity is the opaque reference to the signed-in user.
type Identity struct {
	// ID is the server-side user id.
	ID string `json:"id"`

	// Username is the display name used to log in.
	Username string `json:"username"`
}

// IsZero reports whether the identity carries no user reference.
func (i Identity) IsZero() bool {
	return i.ID == "" && i.Username == ""
}
