/*
Package types defines the data model shared by the agent's packages.

# Sessions and Messages

A Session is the authenticated polling channel opened by the session
manager. Each poll yields at most one Message whose MessageType selects the
typed body: JobRequestMessage, JobCancelMessage, AgentRefreshMessage,
ConfigRefreshMessage, SessionMigrationMessage or ShutdownRequestMessage.
Bodies are JSON and are decoded with Message.DecodeBody after decryption.

# Leases

JobRequest is the control plane's record of a job assignment. LockedUntil
is the lease expiry; the dispatcher renews it while the worker runs.

# Results and exit codes

	Worker exit code      TaskResult
	────────────────      ───────────────────
	0, 100                Succeeded
	101                   SucceededWithIssues
	102                   Failed
	103                   Canceled
	104                   Skipped
	105                   Abandoned
	anything else         crash, reported as Failed

The agent process itself exits with one of the Exit* codes so a supervising
service manager can decide whether to relaunch it.
*/
package types
