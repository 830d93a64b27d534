package database

import (
	"context"

	"github.com/flowpbx/callcard/internal/database/models"
)

// ContactRepository manages directory contacts and their photos.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	GetByNumber(ctx context.Context, number string) (*models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)
	Update(ctx context.Context, c *models.Contact) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)

	SetPhoto(ctx context.Context, photo *models.ContactPhoto) error
	GetPhoto(ctx context.Context, contactID string) (*models.ContactPhoto, error)

	MarkViewed(ctx context.Context, id string) error
	ListViews(ctx context.Context, id string) ([]models.ContactView, error)
}

// PrefixRepository manages the number plan used for caller geography.
type PrefixRepository interface {
	Upsert(ctx context.Context, p *models.NumberPrefix) error
	Match(ctx context.Context, number string) (*models.NumberPrefix, error)
	List(ctx context.Context) ([]models.NumberPrefix, error)
	Delete(ctx context.Context, prefix string) error
}
