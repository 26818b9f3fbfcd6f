// Package scheduler binds the job store to one worker identity.
//
// The Service is the operational API used by the poller (claim, promote,
// orphan recovery) and by the execution unit (execute, reschedule, unlock,
// attempt bookkeeping). It owns the retry delay and attempt limit, which are
// read from the settings provider once at Init.
package scheduler
