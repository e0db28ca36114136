/*
Package log provides structured logging for the registry using zerolog.

It wraps a single package-level zerolog.Logger, initialized once via
Init(Config), with JSON or console output and a configurable minimum
level. Call sites derive child loggers carrying a fixed field via
WithComponent (package name), WithImageID, WithRequestID, or WithTenant,
rather than attaching fields ad hoc at each call site, so every log line
from a given subsystem or request carries consistent structure for
downstream aggregation.
*/
package log
