package models

// ThreadSchemaVersion is the version MigrateThread upgrades threads to.
//
// Older clients and backends stored model and prompt constants that no longer exist. Each version
// step rewrites retired values to their current equivalents.
const ThreadSchemaVersion = 1

// LegacySystemPrompt is the default prompt threads were created with before version 1.
const LegacySystemPrompt = "You are Nova Bot, a helpful AI assistant."

var legacyModels = map[string]string{
	"gemini-1.5-flash":        "gemini-2.5-flash",
	"gemini-1.5-flash-latest": "gemini-2.5-flash",
}

var threadMigrations = []func(Thread) Thread{
	migrateThreadV1,
}

// MigrateThread upgrades a thread from the given schema version to ThreadSchemaVersion. Threads
// fetched from a backend that doesn't report a version should be migrated from version 0.
func MigrateThread(t Thread, from int) Thread {
	for v := max(from, 0); v < len(threadMigrations) && v < ThreadSchemaVersion; v++ {
		t = threadMigrations[v](t)
	}
	return t
}

func migrateThreadV1(t Thread) Thread {
	if m, ok := legacyModels[t.Model]; ok {
		t.Model = m
	}
	if t.SystemPrompt == LegacySystemPrompt {
		t.SystemPrompt = DefaultSystemPrompt
	}
	return t
}
