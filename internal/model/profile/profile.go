package profile

// DefaultUserID is sent when no persisted user record is available.
const DefaultUserID = "user123"

// User mirrors the locally persisted user record written by the login flow.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Nationality string `json:"nationality"`
	Phone       string `json:"phone"`
	IDCard      string `json:"idCard"`
}

// UserID returns the id used on the wire, falling back to DefaultUserID.
func (u User) UserID() string {
	if u.ID == "" {
		return DefaultUserID
	}
	return u.ID
}

// Info returns the profile block attached to dialogue messages.
func (u User) Info() map[string]string {
	return map[string]string{
		"name":        u.Name,
		"gender":      u.Gender,
		"nationality": u.Nationality,
		"phone":       u.Phone,
		"id_card":     u.IDCard,
	}
}
