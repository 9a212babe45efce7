package domain

// ---------------------------------------------------------------------------
// Repository pattern — persistence abstraction for all aggregates
// ---------------------------------------------------------------------------

// Repository defines the generic CRUD contract for aggregate persistence.
// Each bounded context provides a typed repository interface extending this.
type Repository[T any] interface {
	// FindByID retrieves an aggregate by its identity.
	FindByID(id EntityID) (*T, error)
	// Save persists an aggregate (create or update).
	Save(entity *T) error
	// Delete removes an aggregate by its identity.
	Delete(id EntityID) error
	// FindAll returns all aggregates.
	FindAll() ([]*T, error)
}
