// Package refresh schedules proactive renewal of expiring credentials.
//
// A Scheduler keeps one timer per connection. The first refresh fires after
// a fraction of the remaining lifetime that shrinks with the lifetime (80%
// above one hour down to 50% for tokens under five minutes). Until the
// owner reschedules with a new expiry, every later firing comes after half
// the remaining time. No delay
// is ever shorter than the minimum interval. When the minimum interval
// would land at or past expiry, the scheduler signals ReauthRequired
// instead of RefreshDue.
package refresh
