// Package schedule persists deferred download tasks and promotes them into
// queue jobs when due. The store is SQLite; the poller claims each due task
// by deleting it before execution, which keeps overlapping poll cycles from
// running a task twice. Playlist tasks expand into one job per selected
// index with a small inter-item delay.
package schedule
