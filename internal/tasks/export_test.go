package tasks

// Exported aliases for the external tasks_test package, which cannot live in
// package tasks because it imports internal/hash/sha256 (which imports tasks).
var (
	EnvFlag      = envFlag
	NewSleepTask = newSleepTask
	NewFetchTask = newFetchTask
)
