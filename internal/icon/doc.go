// Package icon caches the small images shown on map markers and menus.
//
// A Cache keeps icons in a memory tier over a Backend: DurableBackend for
// entries valid for a week, or SessionBackend for a single JSON table
// that lives as long as the process and holds at most a hundred entries
// for a day. Entries past their age are invisible to readers and are
// removed by Cleanup.
//
// A Preloader warms a named Bucket in priority order. High priority
// additions dispatch at once; everything else waits for the next Process,
// PreloadForView or completed fetch. When more than one fetch may run, the
// last slot is reserved for high priority work. Failed fetches are retried
// with a linear backoff and dropped after the retry limit.
package icon
