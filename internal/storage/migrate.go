package storage

import "fmt"

// migrate brings request_version forward to CurrentSchemaVersion. Every
// step is forward-only: there is no downgrade path, matching spec §4.1.
func (s *Storage) migrate() error {
	var versions []SchemaVersion
	if err := s.DB.Find(&versions).Error; err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}

	if len(versions) == 0 {
		return s.DB.Create(&SchemaVersion{Version: CurrentSchemaVersion}).Error
	}

	current := versions[0]
	for current.Version != CurrentSchemaVersion {
		next, err := migrateStep(current.Version)
		if err != nil {
			return err
		}
		current.Version = next
	}
	return s.DB.Save(&current).Error
}

// migrateStep maps one legacy schema version to its successor. There is
// only one schema generation so far; this is the hook future versions
// extend.
func migrateStep(from string) (string, error) {
	switch from {
	case CurrentSchemaVersion:
		return CurrentSchemaVersion, nil
	default:
		return "", fmt.Errorf("storage: no migration path from schema version %q", from)
	}
}
