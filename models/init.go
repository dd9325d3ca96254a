package models

// All lists the entities handed to AutoMigrate, parents before children.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Project{},
		&ProjectMembership{},
		&Task{},
		&Subscription{},
		&ProcessedEvent{},
	}
}
