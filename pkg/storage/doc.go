/*
Package storage persists the agent's local state in a BoltDB file.

The agent keeps very little state of its own; the control plane is the
source of truth for jobs and sessions. What survives a restart here is what
helps the next run recover cleanly:

	┌──────────── <state_dir>/burrow.db ────────────┐
	│                                                │
	│  agent   session          last opened session  │
	│          last_message_id  poll cursor          │
	│                                                │
	│  jobs    <finish-time><job id> → JobRecord     │
	│          (bounded, oldest trimmed first)       │
	└────────────────────────────────────────────────┘

A session found at startup means the previous process died without calling
DeleteSession; the session manager deletes it remotely before creating a new
one so the control plane does not report a conflict for the next four
minutes.

All values are JSON except the message cursor, which is a big-endian int64.
The database is opened with a lock timeout so a second agent started on the
same root fails fast instead of hanging.
*/
package storage
