package repository

import (
	"github.com/google/uuid"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

// checkID reports an id that is not a UUID as unknown, before PostgreSQL
// rejects the cast with 22P02.
func checkID(resource, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound(resource, id)
	}
	return nil
}
