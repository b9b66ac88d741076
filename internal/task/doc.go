// Package task supervises the background work an agent runs on behalf of its group.
//
// A Task is started and stopped by coordinator commands. Both operations are
// idempotent: starting a running task or stopping a stopped one does nothing.
// Process runs a command from the agent's own configuration as a child process.
package task
