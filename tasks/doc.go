// Package tasks keeps a registry of programs and runs them as periodic
// tasks.
//
// A deployment is described by a YAML manifest; its init program typically
// calls task_create for the others. Each task re-opens its program for every
// run, so global data never carries over between runs of a task.
package tasks
