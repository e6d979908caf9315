// Package sysproc starts child processes in their own process group so that
// a worker and everything it spawned can be stopped together.
package sysproc
