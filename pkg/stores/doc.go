// Package stores persists job history for conductor. It provides a SQLite
// store with embedded migrations, a PostgreSQL store on pgx, and a Recorder
// that writes finished jobs from job.completed events.
package stores
