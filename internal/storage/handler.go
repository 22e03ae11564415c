package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Handler persists layout entities. It implements the manager's Storage
// contract over an open SQLite connection.
//
// Thread Safety: safe for concurrent use; SQLite serialises writes via the
// busy-timeout configured by the database package.
type Handler struct {
	db *sql.DB
}

// NewHandler creates a handler over an open database connection.
func NewHandler(db *sql.DB) *Handler {
	return &Handler{db: db}
}

// SaveObject upserts an entity's serialized form.
func (h *Handler) SaveObject(objectType model.ObjectType, id model.ObjectID, name, serialized string) error {
	_, err := h.db.Exec(`
		INSERT INTO objects (objecttype, objectid, name, object)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (objecttype, objectid) DO UPDATE SET name = excluded.name, object = excluded.object`,
		int(objectType), int(id), name, serialized,
	)
	if err != nil {
		return fmt.Errorf("saving object %s %d: %w", objectType, id, err)
	}
	return nil
}

// DeleteObject removes an entity.
func (h *Handler) DeleteObject(objectType model.ObjectType, id model.ObjectID) error {
	_, err := h.db.Exec(`DELETE FROM objects WHERE objecttype = ? AND objectid = ?`,
		int(objectType), int(id))
	if err != nil {
		return fmt.Errorf("deleting object %s %d: %w", objectType, id, err)
	}
	return nil
}

// ObjectsOfType returns the serialized forms of every entity of a type,
// ordered by id.
func (h *Handler) ObjectsOfType(objectType model.ObjectType) ([]string, error) {
	rows, err := h.db.Query(`SELECT object FROM objects WHERE objecttype = ? ORDER BY objectid`,
		int(objectType))
	if err != nil {
		return nil, fmt.Errorf("loading %s objects: %w", objectType, err)
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var serialized string
		if err := rows.Scan(&serialized); err != nil {
			return nil, err
		}
		objects = append(objects, serialized)
	}
	return objects, rows.Err()
}

// SaveRelations replaces the relation rows of an entity. Rows carry the
// endpoint ids and priority in dedicated columns plus the full serialized
// payload.
func (h *Handler) SaveRelations(objectType model.ObjectType, id model.ObjectID, relations []*model.Relation) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM relations WHERE objecttype1 = ? AND objectid1 = ?`,
		int(objectType), int(id)); err != nil {
		return fmt.Errorf("clearing relations of %s %d: %w", objectType, id, err)
	}
	for position, rel := range relations {
		target := rel.Target()
		if _, err := tx.Exec(`
			INSERT INTO relations (objecttype1, objectid1, objecttype2, objectid2, priority, position, relation)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int(objectType), int(id), int(target.Type), int(target.ID),
			int(rel.Priority()), position, rel.Serialize(),
		); err != nil {
			return fmt.Errorf("saving relation %d of %s %d: %w", position, objectType, id, err)
		}
	}
	return tx.Commit()
}

// RelationsFor returns the serialized relation payloads of an entity in
// stored order.
func (h *Handler) RelationsFor(objectType model.ObjectType, id model.ObjectID) ([]string, error) {
	rows, err := h.db.Query(`
		SELECT relation FROM relations
		WHERE objecttype1 = ? AND objectid1 = ?
		ORDER BY position`,
		int(objectType), int(id))
	if err != nil {
		return nil, fmt.Errorf("loading relations of %s %d: %w", objectType, id, err)
	}
	defer rows.Close()

	var relations []string
	for rows.Next() {
		var serialized string
		if err := rows.Scan(&serialized); err != nil {
			return nil, err
		}
		relations = append(relations, serialized)
	}
	return relations, rows.Err()
}

// DeleteRelations removes every relation row of an entity.
func (h *Handler) DeleteRelations(objectType model.ObjectType, id model.ObjectID) error {
	_, err := h.db.Exec(`DELETE FROM relations WHERE objecttype1 = ? AND objectid1 = ?`,
		int(objectType), int(id))
	if err != nil {
		return fmt.Errorf("deleting relations of %s %d: %w", objectType, id, err)
	}
	return nil
}

// Setting returns a settings value, empty when unset.
func (h *Handler) Setting(key string) (string, error) {
	var value string
	err := h.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (h *Handler) SetSetting(key, value string) error {
	_, err := h.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}

// HardwareParams returns every hardware row ordered by control id.
func (h *Handler) HardwareParams() ([]hardware.Params, error) {
	rows, err := h.db.Query(`
		SELECT controlid, hardwaretype, name, arg1, arg2, arg3, arg4, arg5
		FROM hardware ORDER BY controlid`)
	if err != nil {
		return nil, fmt.Errorf("loading hardware params: %w", err)
	}
	defer rows.Close()

	var params []hardware.Params
	for rows.Next() {
		var p hardware.Params
		var controlID int
		if err := rows.Scan(&controlID, &p.Type, &p.Name, &p.Arg1, &p.Arg2, &p.Arg3, &p.Arg4, &p.Arg5); err != nil {
			return nil, err
		}
		p.ControlID = model.ControlID(controlID)
		params = append(params, p)
	}
	return params, rows.Err()
}

// SaveHardwareParams upserts a hardware row.
func (h *Handler) SaveHardwareParams(params *hardware.Params) error {
	_, err := h.db.Exec(`
		INSERT INTO hardware (controlid, hardwaretype, name, arg1, arg2, arg3, arg4, arg5)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (controlid) DO UPDATE SET
			hardwaretype = excluded.hardwaretype,
			name = excluded.name,
			arg1 = excluded.arg1, arg2 = excluded.arg2, arg3 = excluded.arg3,
			arg4 = excluded.arg4, arg5 = excluded.arg5`,
		int(params.ControlID), params.Type, params.Name,
		params.Arg1, params.Arg2, params.Arg3, params.Arg4, params.Arg5)
	if err != nil {
		return fmt.Errorf("saving hardware params %d: %w", params.ControlID, err)
	}
	return nil
}

// DeleteHardwareParams removes a hardware row.
func (h *Handler) DeleteHardwareParams(controlID model.ControlID) error {
	_, err := h.db.Exec(`DELETE FROM hardware WHERE controlid = ?`, int(controlID))
	if err != nil {
		return fmt.Errorf("deleting hardware params %d: %w", controlID, err)
	}
	return nil
}
