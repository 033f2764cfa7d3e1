package blacklist

import "github.com/google/uuid"

// ClientIDProvider issues identifiers for new sync clients.
type ClientIDProvider interface {
	NewClientID() (ClientID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a ClientIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() ClientIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewClientID() (ClientID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return NewClientID(value.String())
}
