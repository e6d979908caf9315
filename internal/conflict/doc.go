// Package conflict detects unsafe concurrent filesystem operations between
// work units.
//
// [Analyzer] works on declared operations before dispatch: write/write,
// write/read and directory containment over canonicalized paths. [Watcher]
// uses fsnotify to record what running units actually touch in their
// workspaces, so that the scheduler can fold observed writes into later
// decisions.
package conflict
