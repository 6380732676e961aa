/*
Package worker runs jobs in a child process.

The agent never executes job steps itself. For each job it starts its own
binary as "burrow worker spawnclient 3 4" with two anonymous pipes on
descriptors 3 and 4, sends the job over the pipe and supervises the child:

	agent (Process)                        worker (Client)
	    │  fd 3 ── NewJobRequest ──────────▶  run steps
	    │  fd 3 ── CancelRequest ──────────▶  stop current step
	    │  fd 4 ◀────────────── StepLog ────  page written
	    │                                     exit 100 + result

The exit code carries the result: 100 plus the TaskResult, or 0 for
success. Anything else is treated as a crash by the dispatcher, which then
reports the tail of the worker's output as a timeline issue.

Each step's output goes to a log page under <diag>/pages. The worker
reports the page when the step finishes and the agent uploads and removes
it; pages left behind by a worker that was killed are uploaded by the
dispatcher as stale logs.

Workers are started in their own process group so killing one also kills
whatever its steps spawned.
*/
package worker
