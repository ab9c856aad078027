package rulebooks

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Every query is scoped to one
// namespace so several deployments can share the rulebooks table.
type PostgresStore struct {
	db        *sql.DB
	namespace string
}

// NewPostgresStore creates a store for the given namespace.
func NewPostgresStore(db *sql.DB, namespace string) *PostgresStore {
	return &PostgresStore{
		db:        db,
		namespace: namespace,
	}
}

// Add inserts a new rulebook.
func (s *PostgresStore) Add(entry *Entry) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rulebooks WHERE id = $1 AND namespace = $2)
	`, entry.ID, s.namespace).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rulebook existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rulebook %s: %w", entry.ID, ErrAlreadyExists)
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rulebooks (id, namespace, name, version, description, source, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, s.namespace, entry.Name, entry.Version, entry.Description, entry.Source, entry.Active,
		entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rulebook: %w", err)
	}

	return nil
}

// Get retrieves a rulebook by ID.
func (s *PostgresStore) Get(id string) (*Entry, error) {
	var entry Entry
	err := s.db.QueryRow(`
		SELECT id, name, version, description, source, active, created_at, updated_at
		FROM rulebooks
		WHERE id = $1 AND namespace = $2
	`, id, s.namespace).Scan(
		&entry.ID,
		&entry.Name,
		&entry.Version,
		&entry.Description,
		&entry.Source,
		&entry.Active,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rulebook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rulebook: %w", err)
	}

	return &entry, nil
}

// ListActive returns the active rulebooks of the namespace, oldest first.
func (s *PostgresStore) ListActive() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, name, version, description, source, active, created_at, updated_at
		FROM rulebooks
		WHERE namespace = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rulebooks: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Version, &e.Description, &e.Source, &e.Active,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rulebook: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rulebooks: %w", err)
	}

	return entries, nil
}

// Update modifies an existing rulebook.
func (s *PostgresStore) Update(entry *Entry) error {
	existing, err := s.Get(entry.ID)
	if err != nil {
		return err
	}

	entry.CreatedAt = existing.CreatedAt
	entry.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE rulebooks
		SET name = $1, version = $2, description = $3, source = $4, active = $5, updated_at = $6
		WHERE id = $7 AND namespace = $8
	`, entry.Name, entry.Version, entry.Description, entry.Source, entry.Active, entry.UpdatedAt,
		entry.ID, s.namespace)
	if err != nil {
		return fmt.Errorf("failed to update rulebook: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rulebook %s: %w", entry.ID, ErrNotFound)
	}

	return nil
}

// Delete removes a rulebook.
func (s *PostgresStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rulebooks
		WHERE id = $1 AND namespace = $2
	`, id, s.namespace)
	if err != nil {
		return fmt.Errorf("failed to delete rulebook: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rulebook %s: %w", id, ErrNotFound)
	}

	return nil
}
