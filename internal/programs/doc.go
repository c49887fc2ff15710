// Package programs builds the demonstration programs as relocatable
// objects: the adaptive TOS filter, a call counter, and the producer,
// consumer and init programs of the task demo.
package programs
