// Package helpers implements the functions programs import from module env:
// log, delay_ms, nvs_set, nvs_get and task_create.
//
// Each helper binds to whatever wasm signature the program declares for it.
// Arguments arrive as raw words; strings are NUL-terminated and read from
// guest memory with bounds checks.
package helpers
