/*
Package log provides structured logging for the coordinator and agent
using zerolog: a process-wide Logger configured once via Init, plus
per-component and per-entity child loggers (WithComponent, WithJobID,
WithWorkerID) that attach a stable field instead of string-formatting
it into every message.

Console output is used by default for local runs; JSONOutput switches
to line-delimited JSON for production log aggregation.
*/
package log
