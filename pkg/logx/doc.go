// Package logx is duewatch's structured logging: a thin Logger over zerolog
// whose sinks (console, JSON file, operator alerts) are swapped at runtime by
// Service.Apply. Loggers derived from a Service follow those swaps.
package logx
