// Package scheduler fires periodic maintenance jobs (campaign expiry sweep,
// sent-message retention) on cron or interval specs.
//
// It only triggers: every run is handed to the task engine, which owns
// timeouts, retries and history.
package scheduler
