// Package inbox turns descriptor files dropped into the workspace inbox into
// submitted generation tasks.
//
// Each *.json file holds one task descriptor. Accepted files move to
// inbox/submitted, rejected ones to inbox/rejected with a .error note beside
// them. Watch mode reacts to fsnotify events and sweeps once at start so
// files dropped while no watcher ran are not missed.
package inbox
