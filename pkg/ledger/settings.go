package ledger

// UpdateAppSettings validates and stores the settings singleton.
func (store *Store) UpdateAppSettings(settings AppSettings) (AppSettings, error) {
	theme, err := ParseTheme(string(settings.Theme))
	if err != nil {
		store.logOperation(OperationLog{Operation: operationUpdateSettings, Error: err})
		return AppSettings{}, err
	}
	settings.Theme = theme
	store.mu.Lock()
	store.settings = &settings
	store.commit(operationUpdateSettings, []DocumentWrite{putSettings(settings)})
	store.mu.Unlock()
	store.logOperation(OperationLog{Operation: operationUpdateSettings})
	return settings, nil
}
