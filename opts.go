package fieldshift

// MigratorOpt is an option for configuring a migrator
type MigratorOpt func(m *Migrator)

// WithLogger sets the migrator's logger
func WithLogger(logger Logger) MigratorOpt {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// WithWorkers bounds the number of concurrent per-document applies within a page
func WithWorkers(workers int) MigratorOpt {
	return func(m *Migrator) {
		if workers > 0 {
			m.workers = workers
		}
	}
}

// WithMaxRetries bounds the conditional-write retries on revision conflict
func WithMaxRetries(retries int) MigratorOpt {
	return func(m *Migrator) {
		if retries > 0 {
			m.retries = retries
		}
	}
}
