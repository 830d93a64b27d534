package models

import "time"

// Contact is a directory entry. ID is a UUID and doubles as the person
// reference handed to the card.
type Contact struct {
	ID           string
	Name         string
	Number       string
	Location     string
	Label        string
	HasPhoto     bool
	ViewCount    int64
	LastViewedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ContactPhoto is the image stored for a contact.
type ContactPhoto struct {
	ContactID   string
	ContentType string
	Data        []byte
}

// NumberPrefix describes the geography of a dialing prefix.
type NumberPrefix struct {
	Prefix string
	Region string
	City   string
}

// ContactView is one occurrence of a contact being shown on a call card.
type ContactView struct {
	ID        int64
	ContactID string
	ViewedAt  time.Time
}
